// Package media stores generated slide images under the data directory.
package media

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"slidegen/internal/file"
)

var (
	ErrOutsideRoot = errors.New("path escapes the data dir")
	ErrNotImage    = errors.New("data is not an image")
)

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Store writes images to <dataDir>/projects/<project>/images and hands out
// paths relative to dataDir, which is what pages persist.
type Store struct {
	dataDir string
	now     func() time.Time
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir, now: time.Now}
}

// SaveSlide writes a new image version for the page. Earlier versions are
// left in place so a failed edit never loses the last good slide.
func (s *Store) SaveSlide(projectID, pageID string, data []byte) (string, error) {
	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		return "", ErrNotImage
	}
	rel := filepath.Join(
		"projects", sanitize(projectID), "images",
		fmt.Sprintf("%s-%d%s", sanitize(pageID), s.now().UnixNano(), ext),
	)
	if err := file.WriteBytesAtomic(filepath.Join(s.dataDir, rel), data); err != nil {
		return "", fmt.Errorf("save slide: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Path resolves a stored relative path, refusing anything outside dataDir.
func (s *Store) Path(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(s.dataDir, clean), nil
}

// Remove deletes a stored image; a missing file is not an error.
func (s *Store) Remove(rel string) error {
	p, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove slide: %w", err)
	}
	return nil
}

// RemoveProject deletes every stored image of the project.
func (s *Store) RemoveProject(projectID string) error {
	dir := filepath.Join(s.dataDir, "projects", sanitize(projectID), "images")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove project images: %w", err)
	}
	return nil
}

func sanitize(key string) string {
	key = unsafeKey.ReplaceAllString(key, "_")
	if key == "" {
		return "_"
	}
	return key
}
