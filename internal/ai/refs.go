package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheExpiration = 30 * time.Minute
	cacheCleanupInterval   = time.Hour
	sharedDownloadTimeout  = 60 * time.Second
	maxReferenceBytes      = 20 << 20
)

var errNotImage = errors.New("content is not an image")

// ReferenceLoader resolves image references (local paths, http(s) URLs or
// data URLs) into bytes. Downloads are cached and deduplicated.
type ReferenceLoader struct {
	root       string
	httpClient *http.Client
	cache      *cache.Cache
	group      singleflight.Group
}

// NewReferenceLoader resolves relative paths against root.
func NewReferenceLoader(root string, httpClient *http.Client) *ReferenceLoader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if abs, err := filepath.Abs(root); err == nil && root != "" {
		root = abs
	}
	return &ReferenceLoader{
		root:       root,
		httpClient: httpClient,
		cache:      cache.New(defaultCacheExpiration, cacheCleanupInterval),
	}
}

func (l *ReferenceLoader) Load(ctx context.Context, ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return Image{}, Permanent("load reference", errors.New("empty reference"))
	case strings.HasPrefix(ref, "data:"):
		img, err := ParseDataURL(ref)
		if err != nil {
			return Image{}, Permanent("load reference", err)
		}
		return img, nil
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return l.download(ctx, ref)
	default:
		return l.readFile(ref)
	}
}

// LoadOptional resolves every reference it can and logs the rest; material
// images are best effort.
func (l *ReferenceLoader) LoadOptional(ctx context.Context, refs []string) []Image {
	images := make([]Image, 0, len(refs))
	for _, ref := range refs {
		img, err := l.Load(ctx, ref)
		if err != nil {
			log.Warn().Str("ref", ref).Err(err).Msg("skip unavailable reference image")
			continue
		}
		images = append(images, img)
	}
	return images
}

func (l *ReferenceLoader) readFile(ref string) (Image, error) {
	path := ref
	if l.root != "" {
		if filepath.IsAbs(ref) {
			rel, err := filepath.Rel(l.root, ref)
			if err != nil || strings.HasPrefix(rel, "..") {
				return Image{}, Permanent("load reference", fmt.Errorf("%s is outside the data dir", ref))
			}
		} else {
			path = filepath.Join(l.root, filepath.Clean("/"+ref))
		}
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the data root
	if err != nil {
		return Image{}, Permanent("load reference", fmt.Errorf("read %s: %w", ref, err))
	}
	return toImage(data)
}

func (l *ReferenceLoader) download(ctx context.Context, url string) (Image, error) {
	if cached, ok := l.cache.Get(url); ok {
		if img, ok := cached.(Image); ok {
			return img, nil
		}
	}
	// the fetch is shared by every waiter, so it must outlive the caller
	// that happened to start it
	ch := l.group.DoChan(url, func() (interface{}, error) {
		if cached, ok := l.cache.Get(url); ok {
			return cached, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedDownloadTimeout)
		defer cancel()
		img, err := l.fetch(fetchCtx, url)
		if err != nil {
			return nil, err
		}
		l.cache.Set(url, img, cache.DefaultExpiration)
		return img, nil
	})
	var val interface{}
	select {
	case <-ctx.Done():
		return Image{}, Classify("download reference", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Image{}, res.Err
		}
		val = res.Val
	}
	img, ok := val.(Image)
	if !ok {
		return Image{}, fmt.Errorf("unexpected cached type %T", val)
	}
	return img, nil
}

func (l *ReferenceLoader) fetch(ctx context.Context, url string) (Image, error) {
	const op = "download reference"
	data, status, err := Download(ctx, l.httpClient, url)
	if err != nil {
		if status != 0 {
			return Image{}, FromStatus(op, status, err)
		}
		return Image{}, Classify(op, err)
	}
	img, err := toImage(data)
	if err != nil {
		return Image{}, Permanent(op, err)
	}
	return img, nil
}

// Download GETs url and returns the body. On a non-2xx answer the status is
// returned alongside the error.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("get %s: http %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxReferenceBytes {
		return nil, 0, fmt.Errorf("image larger than %d bytes", maxReferenceBytes)
	}
	return data, 0, nil
}

// ParseDataURL decodes a base64 data URL such as data:image/png;base64,....
func ParseDataURL(s string) (Image, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return Image{}, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return Image{}, errors.New("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(payload), ""))
	if err != nil {
		return Image{}, fmt.Errorf("decode data url: %w", err)
	}
	return toImage(data)
}

// toImage accepts data only when its sniffed content type is an image.
func toImage(data []byte) (Image, error) {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("%w: %s", errNotImage, mime)
	}
	return Image{Data: bytes.Clone(data), MIMEType: mime}, nil
}
