// Package pipeline composes detection, cropping, preprocessing, OCR,
// normalization and confidence fusion into a single call.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
	"anpr-edge/internal/utils"
	"anpr-edge/internal/vision"
)

// Detector locates the best plate region in a frame. A nil detection means
// no plate was found.
type Detector interface {
	Detect(ctx context.Context, f frame.Frame) (*anpr.Detection, error)
}

// TextReader reads candidate strings from a preprocessed plate image.
type TextReader interface {
	ReadText(ctx context.Context, img frame.Frame) ([]anpr.TextCandidate, error)
}

// Preprocessor turns a plate crop into the image handed to the TextReader.
type Preprocessor interface {
	Preprocess(crop frame.Frame) (frame.Frame, error)
}

// Options holds the thresholds and crop margin applied by Process.
type Options struct {
	DetectionThreshold float64
	OCRThreshold       float64
	CropPadding        int
}

// Pipeline runs one frame through detection, preprocessing and OCR.
type Pipeline struct {
	detector     Detector
	reader       TextReader
	preprocessor Preprocessor
	opts         Options
	log          zerolog.Logger
}

// New builds a pipeline. A negative CropPadding falls back to the default margin.
func New(detector Detector, reader TextReader, pre Preprocessor, opts Options, log zerolog.Logger) *Pipeline {
	if opts.CropPadding < 0 {
		opts.CropPadding = vision.DefaultCropPadding
	}
	return &Pipeline{
		detector:     detector,
		reader:       reader,
		preprocessor: pre,
		opts:         opts,
		log:          log.With().Str("component", "pipeline").Logger(),
	}
}

// Process runs one recognition pass. It returns (nil, nil) whenever a step
// finds nothing qualifying; errors are reserved for failing capabilities.
// The result never carries the full input frame.
func (p *Pipeline) Process(ctx context.Context, f frame.Frame) (*anpr.RecognitionResult, error) {
	if f.Empty() {
		return nil, nil
	}

	det, err := p.detector.Detect(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("detect plate: %w", err)
	}
	if det == nil || det.Confidence < p.opts.DetectionThreshold {
		return nil, nil
	}

	region := vision.PadBox(det.Box, p.opts.CropPadding, f.Bounds())
	if region.Empty() {
		return nil, nil
	}
	plate := f.Crop(region)

	processed, err := p.preprocessor.Preprocess(plate)
	if err != nil {
		return nil, fmt.Errorf("preprocess plate: %w", err)
	}

	candidates, err := p.reader.ReadText(ctx, processed)
	if err != nil {
		return nil, fmt.Errorf("read plate text: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	code := utils.NormalizePlate(best.Text)

	if best.Confidence < p.opts.OCRThreshold {
		p.log.Debug().
			Str("plate", code).
			Float64("ocr_confidence", best.Confidence).
			Float64("threshold", p.opts.OCRThreshold).
			Msg("ocr confidence below threshold")
		return nil, nil
	}
	if code == "" {
		return nil, nil
	}

	return &anpr.RecognitionResult{
		PlateCode:           code,
		RawText:             best.Text,
		CombinedConfidence:  (det.Confidence + best.Confidence) / 2,
		DetectionConfidence: det.Confidence,
		OCRConfidence:       best.Confidence,
		PlateImage:          plate,
		PreprocessedImage:   processed,
		RecognizedAt:        time.Now().UTC(),
	}, nil
}
