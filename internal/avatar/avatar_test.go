package avatar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitial(t *testing.T) {
	tests := map[string]string{
		"alice":  "A",
		"Bob":    "B",
		"_under": "_",
		"9lives": "9",
		"":       "?",
	}
	for in, want := range tests {
		assert.Equal(t, want, Initial(in), in)
	}
}

func TestBackgroundIsStable(t *testing.T) {
	assert.Equal(t, Background("alice"), Background("alice"))
	assert.Contains(t, palette, Background("someone-else"))
}

func TestRender(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	require.NoError(t, err)

	img := g.Render("alice")
	assert.Equal(t, Size, img.Bounds().Dx())
	assert.Equal(t, Size, img.Bounds().Dy())

	bg := Background("alice")
	r, gr, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(bg.R)*0x101, r)
	assert.Equal(t, uint32(bg.G)*0x101, gr)
	assert.Equal(t, uint32(bg.B)*0x101, b)

	// some pixel near the middle belongs to the letter
	found := false
	for y := 30; y < 70 && !found; y++ {
		for x := 30; x < 70; x++ {
			if r, g, b, _ := img.At(x, y).RGBA(); r > 0xf000 && g > 0xf000 && b > 0xf000 {
				found = true
				break
			}
		}
	}
	assert.True(t, found, "expected white glyph pixels in the center")
}

func TestGenerateAndRemove(t *testing.T) {
	dir := t.TempDir()
	g, err := NewGenerator(dir)
	require.NoError(t, err)

	first, err := g.Generate("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, URLPrefix+"alice-"))
	assert.True(t, strings.HasSuffix(first, ".webp"))

	second, err := g.Generate("alice")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	f, err := os.Open(filepath.Join(dir, filepath.Base(first)))
	require.NoError(t, err)
	decoded, err := webp.Decode(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, Size, decoded.Bounds().Dx())

	require.NoError(t, g.Remove(first))
	_, err = os.Stat(filepath.Join(dir, filepath.Base(first)))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, g.Remove(first), "removing twice is fine")
	assert.NoError(t, g.Remove(""))
	assert.NoError(t, g.Remove("/etc/passwd"))

	_, err = os.Stat(filepath.Join(dir, filepath.Base(second)))
	assert.NoError(t, err)
}
