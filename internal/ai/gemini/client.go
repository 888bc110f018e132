// Package gemini calls Gemini models through the native GenAI API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"slidegen/internal/ai"
)

const defaultThinkingBudget int32 = 1000

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// ThinkingBudget applies to text generation; zero uses the default.
	ThinkingBudget int32
}

type Client struct {
	client         *genai.Client
	model          string
	thinkingBudget int32
}

var (
	_ ai.TextModel  = (*Client)(nil)
	_ ai.ImageModel = (*Client)(nil)
)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini model is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	budget := cfg.ThinkingBudget
	if budget == 0 {
		budget = defaultThinkingBudget
	}
	return &Client{client: client, model: cfg.Model, thinkingBudget: budget}, nil
}

func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	const op = "gemini text"
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(c.thinkingBudget)},
	})
	if err != nil {
		return "", classify(op, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ai.Permanent(op, ai.ErrEmptyResponse)
	}
	return text, nil
}

// GenerateImage sends the primary image, the prompt and the references in
// that order and returns the first inline image of the answer.
func (c *Client) GenerateImage(ctx context.Context, req ai.ImageRequest) ([]byte, error) {
	const op = "gemini image"
	parts := make([]*genai.Part, 0, len(req.References)+2)
	if req.Primary != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Primary.Data, req.Primary.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	for _, ref := range req.References {
		parts = append(parts, genai.NewPartFromBytes(ref.Data, ref.MIMEType))
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &genai.ImageConfig{
				AspectRatio: req.AspectRatio,
				ImageSize:   req.Resolution,
			},
		})
	if err != nil {
		return nil, classify(op, err)
	}
	if data := firstInlineImage(resp); data != nil {
		return data, nil
	}
	return nil, ai.Permanent(op, ai.ErrNoImage)
}

func firstInlineImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data
			}
		}
	}
	return nil
}

func classify(op string, err error) error {
	if code := statusCode(err); code != 0 {
		return ai.FromStatus(op, code, err)
	}
	return ai.Classify(op, err)
}

func statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
