package media

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

func TestSaveSlideWritesVersionedFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	tick := time.Unix(100, 0)
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	first, err := s.SaveSlide("p1", "page/../1", pngBytes)
	require.NoError(t, err)
	second, err := s.SaveSlide("p1", "page/../1", pngBytes)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "projects/p1/images/page_1-"), first)
	assert.True(t, strings.HasSuffix(first, ".png"))

	abs, err := s.Path(first)
	require.NoError(t, err)
	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestSaveSlideRejectsNonImage(t *testing.T) {
	_, err := NewStore(t.TempDir()).SaveSlide("p", "x", []byte("{\"error\":\"quota\"}"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestPathStaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for _, rel := range []string{"", "../x.png", "/etc/passwd", "a/../../x"} {
		_, err := s.Path(rel)
		assert.ErrorIs(t, err, ErrOutsideRoot, rel)
	}
	p, err := s.Path("projects/a/images/b.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "projects", "a", "images", "b.png"), p)
}

func TestRemoveIgnoresMissingFile(t *testing.T) {
	s := NewStore(t.TempDir())
	rel, err := s.SaveSlide("p", "x", pngBytes)
	require.NoError(t, err)
	require.NoError(t, s.Remove(rel))
	require.NoError(t, s.Remove(rel))
}

func TestRemoveProjectDropsAllVersions(t *testing.T) {
	s := NewStore(t.TempDir())
	first, err := s.SaveSlide("p1", "a", pngBytes)
	require.NoError(t, err)
	other, err := s.SaveSlide("p2", "a", pngBytes)
	require.NoError(t, err)

	require.NoError(t, s.RemoveProject("p1"))
	require.NoError(t, s.RemoveProject("p1"))

	p, err := s.Path(first)
	require.NoError(t, err)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	p, err = s.Path(other)
	require.NoError(t, err)
	_, err = os.Stat(p)
	assert.NoError(t, err)
}
