package photos

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusface/attendance/internal/apperr"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSaveCanonicalizesToJPEG(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0)
	require.NoError(t, err)

	out, err := s.Save("S1", bytes.NewReader(pngBytes(t, 32, 24)))
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dir, "S1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, out, onDisk)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(onDisk))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSaveOverwritesAndShrinks(t *testing.T) {
	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	_, err = s.Save("S1", bytes.NewReader(pngBytes(t, 8, 8)))
	require.NoError(t, err)
	_, err = s.Save("S1", bytes.NewReader(pngBytes(t, 64, 32)))
	require.NoError(t, err)

	f, info, err := s.Open("S1")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, info.Size() > 0)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Width)
	assert.Equal(t, 8, cfg.Height)
}

func TestSaveRejectsNonImage(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = s.Save("S1", strings.NewReader("not an image"))
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	assert.False(t, s.Exists("S1"))
}

func TestPathRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	for _, id := range []string{"../etc/passwd", "a/b", "..", "", "x y"} {
		_, err := s.Path(id)
		assert.True(t, apperr.Is(err, apperr.KindBadRequest), id)
	}
}

func TestDeleteAndOpenMissing(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	assert.NoError(t, s.Delete("S404"))
	_, _, err = s.Open("S404")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = s.Save("S1", bytes.NewReader(pngBytes(t, 4, 4)))
	require.NoError(t, err)
	require.NoError(t, s.Delete("S1"))
	assert.False(t, s.Exists("S1"))
}
