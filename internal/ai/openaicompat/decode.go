package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"slidegen/internal/ai"
)

type payloadKind string

const (
	payloadDataField payloadKind = "data_field"
	payloadDataURL   payloadKind = "data_url"
	payloadMarkdown  payloadKind = "markdown"
	payloadRemoteURL payloadKind = "remote_url"
	payloadBase64    payloadKind = "base64"
)

// imagePayload is one recognised image encoding. Data is set for every kind
// except payloadRemoteURL, which only carries URL.
type imagePayload struct {
	Kind payloadKind
	Data []byte
	URL  string
}

const minBase64Len = 100

var (
	errNoImagePayload = errors.New("response carries no recognisable image")
	markdownDataURL   = regexp.MustCompile(`!\[[^\]]*\]\((data:image/[^)\s]+)\)`)
	remoteURL         = regexp.MustCompile(`https?://[^\s)"'<>\]]+`)
	nonBase64         = regexp.MustCompile(`[^A-Za-z0-9+/=]`)
)

// contentDecoder tries to read an image out of message content and reports
// ok=false when the content is not in its encoding.
type contentDecoder func(content string) (imagePayload, bool, error)

// contentDecoders run in order; raw base64 goes last since almost any text
// survives its cleanup.
var contentDecoders = []contentDecoder{
	decodeDataURL,
	decodeMarkdownDataURL,
	decodeRemoteURL,
	decodeRawBase64,
}

// decodeImage extracts the generated image from a chat completion. An
// images-style data[] array wins over message content.
func decodeImage(rawJSON, content string) (imagePayload, error) {
	if p, ok, err := decodeDataField(rawJSON); ok || err != nil {
		return p, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return imagePayload{}, fmt.Errorf("%w: empty content", errNoImagePayload)
	}
	for _, dec := range contentDecoders {
		p, ok, err := dec(content)
		if err != nil {
			return imagePayload{}, err
		}
		if ok {
			return p, nil
		}
	}
	return imagePayload{}, fmt.Errorf("%w: %s", errNoImagePayload, preview(content))
}

func decodeDataField(rawJSON string) (imagePayload, bool, error) {
	if rawJSON == "" {
		return imagePayload{}, false, nil
	}
	var body struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &body); err != nil || len(body.Data) == 0 {
		return imagePayload{}, false, nil
	}
	first := body.Data[0]
	switch {
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return imagePayload{}, false, fmt.Errorf("decode b64_json: %w", err)
		}
		if err := checkImage(data); err != nil {
			return imagePayload{}, false, err
		}
		return imagePayload{Kind: payloadDataField, Data: data}, true, nil
	case strings.HasPrefix(first.URL, "data:"):
		img, err := ai.ParseDataURL(first.URL)
		if err != nil {
			return imagePayload{}, false, err
		}
		return imagePayload{Kind: payloadDataField, Data: img.Data}, true, nil
	case first.URL != "":
		return imagePayload{Kind: payloadRemoteURL, URL: first.URL}, true, nil
	}
	return imagePayload{}, false, nil
}

func decodeDataURL(content string) (imagePayload, bool, error) {
	if !strings.HasPrefix(content, "data:image/") {
		return imagePayload{}, false, nil
	}
	img, err := ai.ParseDataURL(content)
	if err != nil {
		return imagePayload{}, false, err
	}
	return imagePayload{Kind: payloadDataURL, Data: img.Data}, true, nil
}

func decodeMarkdownDataURL(content string) (imagePayload, bool, error) {
	m := markdownDataURL.FindStringSubmatch(content)
	if m == nil {
		return imagePayload{}, false, nil
	}
	img, err := ai.ParseDataURL(m[1])
	if err != nil {
		return imagePayload{}, false, err
	}
	return imagePayload{Kind: payloadMarkdown, Data: img.Data}, true, nil
}

func decodeRemoteURL(content string) (imagePayload, bool, error) {
	u := remoteURL.FindString(content)
	if u == "" {
		return imagePayload{}, false, nil
	}
	return imagePayload{Kind: payloadRemoteURL, URL: u}, true, nil
}

func decodeRawBase64(content string) (imagePayload, bool, error) {
	if looksLikeErrorBody(content) {
		return imagePayload{}, false, fmt.Errorf("endpoint returned an error body: %s", preview(content))
	}
	cleaned := nonBase64.ReplaceAllString(strings.Join(strings.Fields(content), ""), "")
	cleaned = strings.TrimRight(cleaned, "=")
	if len(cleaned) < minBase64Len {
		return imagePayload{}, false, nil
	}
	if rem := len(cleaned) % 4; rem != 0 {
		cleaned += strings.Repeat("=", 4-rem)
	}
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return imagePayload{}, false, nil
	}
	if checkImage(data) != nil {
		return imagePayload{}, false, nil
	}
	return imagePayload{Kind: payloadBase64, Data: data}, true, nil
}

func looksLikeErrorBody(content string) bool {
	if !strings.HasPrefix(content, "{") {
		return false
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return false
	}
	_, hasErr := body["error"]
	return hasErr
}

func checkImage(data []byte) error {
	if mime := http.DetectContentType(data); !strings.HasPrefix(mime, "image/") {
		return fmt.Errorf("decoded payload is %s, not an image", mime)
	}
	return nil
}

func preview(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
