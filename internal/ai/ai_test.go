package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/prompt"
	"slidegen/internal/task"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 64)...)

type fakeText struct {
	GenerateTextFunc func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeText) GenerateText(ctx context.Context, p string) (string, error) {
	return f.GenerateTextFunc(ctx, p)
}

type fakeImage struct {
	GenerateImageFunc func(ctx context.Context, req ImageRequest) ([]byte, error)
}

func (f *fakeImage) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	return f.GenerateImageFunc(ctx, req)
}

func newTestService(t *testing.T, text TextModel, image ImageModel, root string) *Service {
	t.Helper()
	b, err := prompt.NewBuilder()
	require.NoError(t, err)
	return NewService(text, image, b, NewReferenceLoader(root, nil), ServiceOptions{})
}

func TestGenerateOutlineParsesFencedJSON(t *testing.T) {
	text := &fakeText{GenerateTextFunc: func(_ context.Context, p string) (string, error) {
		assert.Contains(t, p, "pitch deck for a bakery")
		return "```json\n[{\"title\":\"Intro\"},{\"part\":\"Menu\",\"pages\":[{\"title\":\"Bread\"}]}]\n```", nil
	}}
	s := newTestService(t, text, nil, "")
	items, err := s.GenerateOutline(context.Background(), "pitch deck for a bakery")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestUnparseableOutlineIsPermanent(t *testing.T) {
	text := &fakeText{GenerateTextFunc: func(context.Context, string) (string, error) { return "sorry", nil }}
	s := newTestService(t, text, nil, "")
	_, err := s.GenerateOutline(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestTextTimeoutIsTransient(t *testing.T) {
	text := &fakeText{GenerateTextFunc: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("call: %w", context.DeadlineExceeded)
	}}
	s := newTestService(t, text, nil, "")
	_, err := s.GenerateDescription(context.Background(), task.Input{Title: "t"}, 0)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestSplitDescriptionsCountMismatch(t *testing.T) {
	text := &fakeText{GenerateTextFunc: func(context.Context, string) (string, error) { return `["only one"]`, nil }}
	s := newTestService(t, text, nil, "")
	_, err := s.SplitDescriptions(context.Background(), "a b", nil)
	require.Error(t, err)
}

func TestGenerateImageLoadsTemplateAndMaterials(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "template.png"), pngBytes, 0o600))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	image := &fakeImage{GenerateImageFunc: func(_ context.Context, req ImageRequest) ([]byte, error) {
		require.NotNil(t, req.Primary)
		assert.Equal(t, "image/png", req.Primary.MIMEType)
		assert.Len(t, req.References, 1)
		assert.Equal(t, DefaultAspectRatio, req.AspectRatio)
		assert.Equal(t, DefaultResolution, req.Resolution)
		assert.Contains(t, req.Prompt, "Slide content")
		return pngBytes, nil
	}}
	s := newTestService(t, nil, image, root)

	in := task.Input{
		Description:    "Title: Hello",
		Section:        "Intro",
		TemplateImage:  "template.png",
		MaterialImages: []string{srv.URL + "/a.png", srv.URL + "/missing.png"},
	}
	data, err := s.GenerateImage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	_, err = s.GenerateImage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load(), "successful downloads are cached, failures are not")
}

func TestGenerateImageRequiresDescription(t *testing.T) {
	s := newTestService(t, nil, &fakeImage{}, "")
	_, err := s.GenerateImage(context.Background(), task.Input{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestEditImageUsesCurrentImage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "current.png"), pngBytes, 0o600))
	image := &fakeImage{GenerateImageFunc: func(_ context.Context, req ImageRequest) ([]byte, error) {
		require.NotNil(t, req.Primary)
		assert.Contains(t, req.Prompt, "make it blue")
		assert.Contains(t, req.Prompt, "old description")
		return pngBytes, nil
	}}
	s := newTestService(t, nil, image, root)
	_, err := s.EditImage(context.Background(), "current.png", "make it blue", "old description", nil)
	require.NoError(t, err)

	_, err = s.EditImage(context.Background(), "absent.png", "x", "", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestReferenceLoaderRejectsEscapes(t *testing.T) {
	l := NewReferenceLoader(t.TempDir(), nil)
	_, err := l.Load(context.Background(), "/etc/passwd")
	assert.Error(t, err)
	_, err = l.Load(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestParseDataURL(t *testing.T) {
	img, err := ParseDataURL("data:image/png;base64," + base64Encode(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, img.Data)

	_, err = ParseDataURL("data:text/plain,hello")
	assert.Error(t, err)
}

func TestClassification(t *testing.T) {
	assert.True(t, IsRetryable(FromStatus("op", http.StatusTooManyRequests, errors.New("x"))))
	assert.True(t, IsRetryable(FromStatus("op", http.StatusBadGateway, errors.New("x"))))
	assert.True(t, IsRetryable(FromStatus("op", http.StatusRequestTimeout, errors.New("x"))))
	assert.False(t, IsRetryable(FromStatus("op", http.StatusForbidden, errors.New("x"))))
	assert.False(t, IsRetryable(Classify("op", errors.New("x"))))

	wrapped := Classify("outer", Transient("inner", errors.New("x")))
	assert.True(t, IsRetryable(wrapped))
	assert.Nil(t, Classify("op", nil))
}

func TestResolveProtocol(t *testing.T) {
	assert.Equal(t, ProtocolNative, ResolveProtocol(ProtocolAuto, ""))
	assert.Equal(t, ProtocolNative, ResolveProtocol(ProtocolAuto, "https://generativelanguage.googleapis.com"))
	assert.Equal(t, ProtocolChat, ResolveProtocol(ProtocolAuto, "https://api.proxy.example"))
	assert.Equal(t, ProtocolChat, ResolveProtocol(ProtocolAuto, "https://proxy.example/v1"))
	assert.Equal(t, ProtocolChat, ResolveProtocol(ProtocolChat, "https://generativelanguage.googleapis.com"))
}

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestSharedDownloadSurvivesFirstCallerCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		started <- struct{}{}
		<-release
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	loader := NewReferenceLoader(t.TempDir(), srv.Client())
	url := srv.URL + "/shared.png"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := loader.Load(firstCtx, url)
		firstErr <- err
	}()
	<-started

	type result struct {
		img Image
		err error
	}
	second := make(chan result, 1)
	go func() {
		img, err := loader.Load(context.Background(), url)
		second <- result{img, err}
	}()

	cancelFirst()
	err := <-firstErr
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, pngBytes, got.img.Data)
	assert.Equal(t, int32(1), hits.Load())
}
