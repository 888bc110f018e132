// Package openaicompat calls models behind an OpenAI-compatible
// chat completions endpoint, including image models served by proxies.
package openaicompat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"slidegen/internal/ai"
)

const defaultImageMaxTokens = 16384

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens caps image responses, which carry the image inline.
	MaxTokens  int64
	HTTPClient *http.Client
}

type Client struct {
	client     openai.Client
	model      string
	maxTokens  int64
	downloader *http.Client
}

var (
	_ ai.TextModel  = (*Client)(nil)
	_ ai.ImageModel = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	// retries are decided per unit by the caller
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(chatBaseURL(cfg.BaseURL)))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultImageMaxTokens
	}
	downloader := cfg.HTTPClient
	if downloader == nil {
		downloader = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  maxTokens,
		downloader: downloader,
	}, nil
}

// chatBaseURL normalizes a proxy base so requests land on /v1/chat/completions.
func chatBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/"
}

func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	const op = "chat text"
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		return "", classify(op, err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", ai.Permanent(op, ai.ErrEmptyResponse)
	}
	return completion.Choices[0].Message.Content, nil
}

// GenerateImage asks a chat-served image model for a slide. The image comes
// back in one of several encodings which decodeImage sorts out.
func (c *Client) GenerateImage(ctx context.Context, req ai.ImageRequest) ([]byte, error) {
	const op = "chat image"
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.References)+2)
	if req.Primary != nil {
		parts = append(parts, imagePart(*req.Primary))
	}
	text := req.Prompt
	if req.AspectRatio != "" || req.Resolution != "" {
		text += fmt.Sprintf("\n\nOutput format: aspect ratio %s, resolution %s.", req.AspectRatio, req.Resolution)
	}
	parts = append(parts, openai.TextContentPart(text))
	for _, ref := range req.References {
		parts = append(parts, imagePart(ref))
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(c.model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
		MaxTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return nil, classify(op, err)
	}

	content := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}
	payload, err := decodeImage(completion.RawJSON(), content)
	if err != nil {
		return nil, ai.Permanent(op, err)
	}
	data, err := c.resolve(ctx, payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) resolve(ctx context.Context, p imagePayload) ([]byte, error) {
	const op = "download generated image"
	if p.Kind != payloadRemoteURL {
		return p.Data, nil
	}
	data, status, err := ai.Download(ctx, c.downloader, p.URL)
	if err != nil {
		if status != 0 {
			return nil, ai.FromStatus(op, status, err)
		}
		return nil, ai.Classify(op, err)
	}
	if err := checkImage(data); err != nil {
		return nil, ai.Permanent(op, err)
	}
	return data, nil
}

func imagePart(img ai.Image) openai.ChatCompletionContentPartUnionParam {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
		URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
	})
}

func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ai.FromStatus(op, apiErr.StatusCode, err)
	}
	return ai.Classify(op, err)
}
