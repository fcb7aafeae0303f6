// Package ocr reads plate text with Tesseract through gosseract.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
)

// TesseractReader wraps one gosseract client; calls are serialized.
type TesseractReader struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractReader(language, whitelist string) (*TesseractReader, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if whitelist != "" {
		if err := client.SetWhitelist(whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set character whitelist: %w", err)
		}
	}
	return &TesseractReader{client: client}, nil
}

// ReadText returns one candidate per recognized text line with confidence
// scaled to [0,1].
func (r *TesseractReader) ReadText(ctx context.Context, img frame.Frame) ([]anpr.TextCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := img.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return nil, fmt.Errorf("encode ocr input: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	candidates := make([]anpr.TextCandidate, 0, len(boxes))
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		candidates = append(candidates, anpr.TextCandidate{Text: text, Confidence: box.Confidence / 100})
	}
	return candidates, nil
}

func (r *TesseractReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}
