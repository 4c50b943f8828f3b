// Package avatar draws the default profile picture of a user: the first letter
// of the username on a colored square, stored as WebP.
package avatar

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	Size = 100

	// URLPrefix is where the server exposes the avatar directory.
	URLPrefix = "/avatars/"
)

var palette = []color.RGBA{
	{0xe5, 0x39, 0x35, 0xff},
	{0x8e, 0x24, 0xaa, 0xff},
	{0x39, 0x49, 0xab, 0xff},
	{0x03, 0x9b, 0xe5, 0xff},
	{0x00, 0x89, 0x7b, 0xff},
	{0x43, 0xa0, 0x47, 0xff},
	{0xf4, 0x51, 0x1e, 0xff},
	{0x6d, 0x4c, 0x41, 0xff},
}

// Generator renders avatars into a directory.
type Generator struct {
	dir string

	mu   sync.Mutex // font.Face is not safe for concurrent use
	face font.Face
}

// NewGenerator prepares the font and creates dir if needed.
func NewGenerator(dir string) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create avatar dir: %w", err)
	}
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    56,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("load font face: %w", err)
	}
	return &Generator{dir: dir, face: face}, nil
}

func (g *Generator) Dir() string {
	return g.dir
}

// Background picks the square color for username.
func Background(username string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(username))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Initial is the uppercased first letter of username, or "?".
func Initial(username string) string {
	r, _ := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError || !unicode.IsPrint(r) {
		return "?"
	}
	return string(unicode.ToUpper(r))
}

// Render draws the avatar for username.
func (g *Generator) Render(username string) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, Size, Size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: Background(username)}, image.Point{}, draw.Src)

	letter := Initial(username)

	g.mu.Lock()
	defer g.mu.Unlock()

	d := &font.Drawer{Dst: img, Src: image.White, Face: g.face}
	bounds, advance := d.BoundString(letter)
	height := bounds.Max.Y - bounds.Min.Y
	d.Dot = fixed.Point26_6{
		X: (fixed.I(Size) - advance) / 2,
		Y: (fixed.I(Size)-height)/2 - bounds.Min.Y,
	}
	d.DrawString(letter)
	return img
}

// Generate writes a new avatar file for username and returns its public path.
// Every call produces a new file name, so an existing avatar is never
// overwritten.
func (g *Generator) Generate(username string) (string, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, g.Render(username), &webp.Options{Lossless: true}); err != nil {
		return "", fmt.Errorf("encode avatar: %w", err)
	}

	name := fmt.Sprintf("%s-%s.webp", username, uuid.NewString()[:8])
	tmp, err := os.CreateTemp(g.dir, ".avatar-*")
	if err != nil {
		return "", fmt.Errorf("write avatar: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write avatar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write avatar: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(g.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write avatar: %w", err)
	}
	return URLPrefix + name, nil
}

// Remove deletes the file behind a public avatar path. Missing files and
// empty paths are not errors.
func (g *Generator) Remove(path string) error {
	if path == "" || !strings.HasPrefix(path, URLPrefix) {
		return nil
	}
	name := filepath.Base(path)
	if name == "." || name == "/" {
		return nil
	}
	if err := os.Remove(filepath.Join(g.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove avatar: %w", err)
	}
	return nil
}
