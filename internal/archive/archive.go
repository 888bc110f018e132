// Package archive packs ordered slide images into a zip deck.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 20 * time.Second
	manifestName       = "manifest.json"
)

var ErrNoSlides = errors.New("no slides to export")

// Slide is one page of the deck. Source is a local file path or an
// http(s) URL.
type Slide struct {
	Ordinal int
	Title   string
	Source  string
}

// Result describes what happened to one slide; it is written to the
// manifest so a partially exported deck says what is missing.
type Result struct {
	Ordinal  int    `json:"ordinal"`
	Title    string `json:"title,omitempty"`
	Filename string `json:"filename,omitempty"`
	Err      string `json:"error,omitempty"`
}

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return defaultHTTPTimeout
}

// Render writes the slides in ordinal order as slide-001.png, slide-002.png
// and so on, followed by manifest.json. Slides that cannot be read are
// skipped and reported in the manifest; Render fails only when none can.
func Render(ctx context.Context, slides []Slide) ([]byte, error) {
	if len(slides) == 0 {
		return nil, ErrNoSlides
	}
	ordered := append([]Slide(nil), slides...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	client := &http.Client{Timeout: httpTimeoutFromContext(ctx)}

	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)
	results := make([]Result, len(ordered))
	written := 0
	for i, s := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = addSlide(ctx, client, zipWriter, s, i)
		if results[i].Err == "" {
			written++
		}
	}
	if written == 0 {
		return nil, fmt.Errorf("%w: every slide failed, first: %s", ErrNoSlides, results[0].Err)
	}

	manifest, err := zipWriter.Create(manifestName)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	enc := json.NewEncoder(manifest)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"slides": results}); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// addSlide copies one slide into the zip, returning its Result.
func addSlide(ctx context.Context, client *http.Client, zipWriter *zip.Writer, s Slide, index int) Result {
	source := strings.TrimSpace(s.Source)
	result := Result{Ordinal: s.Ordinal, Title: s.Title}

	body, err := open(ctx, client, source)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("source", source).Err(err).Msg("slide unavailable")
		return result
	}
	defer func() { _ = body.Close() }()

	filename := slideFilename(source, index)
	entry, err := zipWriter.Create(filename)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("source", source).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := io.Copy(entry, body); err != nil {
		result.Err = err.Error()
		log.Warn().Str("source", source).Err(err).Msg("copy into zip failed")
		return result
	}
	result.Filename = filename
	return result
}

func open(ctx context.Context, client *http.Client, source string) (io.ReadCloser, error) {
	if source == "" {
		return nil, errors.New("slide has no image")
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(source) //nolint:gosec // paths come from the media store
		if err != nil {
			return nil, fmt.Errorf("open slide: %w", err)
		}
		return f, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// slideFilename numbers slides by position and keeps the source extension.
func slideFilename(source string, index int) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(source, "?", 2)[0]))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
	default:
		ext = ".png"
	}
	return fmt.Sprintf("slide-%03d%s", index+1, ext)
}
