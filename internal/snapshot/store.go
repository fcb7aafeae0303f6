package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"anpr-edge/internal/frame"
)

const jpegQuality = 90

var ErrEmptyImage = errors.New("snapshot image is empty")

// Store writes plate crops as JPEG files under one directory. A Store with
// an empty directory is disabled and saves nothing.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return &Store{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Enabled() bool {
	return s != nil && s.dir != ""
}

// Save returns the written path, or "" when the store is disabled.
func (s *Store) Save(plate string, img frame.Frame, at time.Time) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if img.Empty() {
		return "", ErrEmptyImage
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s_%s.jpg",
		safeName(plate),
		at.UTC().Format("20060102T150405"),
		uuid.NewString()[:8],
	)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// EncodeJPEG writes a gray or BGR frame as JPEG.
func EncodeJPEG(w io.Writer, img frame.Frame) error {
	src, err := img.Image()
	if err != nil {
		return err
	}
	if err := jpeg.Encode(w, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

func safeName(plate string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return -1
	}, plate)
	if cleaned == "" {
		return "UNKNOWN"
	}
	return cleaned
}
