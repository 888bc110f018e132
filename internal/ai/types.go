// Package ai talks to text and image models and turns their output into
// outlines, page descriptions and slide images.
package ai

import "context"

type TextModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

type ImageModel interface {
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error)
}

type Image struct {
	Data     []byte
	MIMEType string
}

// ImageRequest carries one image generation call. Primary, when set, is
// sent ahead of the prompt (deck template or the slide being edited);
// References follow it.
type ImageRequest struct {
	Prompt      string
	Primary     *Image
	References  []Image
	AspectRatio string
	Resolution  string
}
