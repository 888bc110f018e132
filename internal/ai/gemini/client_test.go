package gemini

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"

	"slidegen/internal/ai"
)

func TestClassifyAPIErrors(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{genai.APIError{Code: 429, Message: "quota"}, true},
		{genai.APIError{Code: 503, Message: "overloaded"}, true},
		{genai.APIError{Code: 400, Message: "safety"}, false},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{fmt.Errorf("weird"), false},
	}
	for _, c := range cases {
		got := classify("op", c.err)
		assert.Equal(t, c.retryable, ai.IsRetryable(got), "%v", c.err)
	}
}

func TestFirstInlineImage(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "here you go"},
			{InlineData: &genai.Blob{Data: []byte{1, 2, 3}, MIMEType: "image/png"}},
		}},
	}}}
	assert.Equal(t, []byte{1, 2, 3}, firstInlineImage(resp))
	assert.Nil(t, firstInlineImage(&genai.GenerateContentResponse{}))
	assert.Nil(t, firstInlineImage(nil))
}

func TestNewRequiresKeyAndModel(t *testing.T) {
	_, err := New(context.Background(), Config{Model: "m"})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{APIKey: "k"})
	assert.Error(t, err)
}
