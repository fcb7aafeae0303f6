package cv

import (
	"errors"
	"image"

	"gocv.io/x/gocv"

	"anpr-edge/internal/frame"
)

const (
	DefaultTargetHeight = 100

	bilateralDiameter   = 11
	bilateralSigmaColor = 17
	bilateralSigmaSpace = 17
	thresholdBlockSize  = 11
	thresholdC          = 2
)

var ErrEmptyCrop = errors.New("empty plate crop")

// Preprocessor binarizes a plate crop for OCR: grayscale, bilateral
// smoothing, gaussian adaptive threshold, then a resize to TargetHeight
// keeping the aspect ratio.
type Preprocessor struct {
	TargetHeight int
}

func NewPreprocessor(targetHeight int) *Preprocessor {
	if targetHeight <= 0 {
		targetHeight = DefaultTargetHeight
	}
	return &Preprocessor{TargetHeight: targetHeight}
}

// Preprocess returns a one-channel binary image; crop is left untouched.
func (p *Preprocessor) Preprocess(crop frame.Frame) (frame.Frame, error) {
	if crop.Empty() {
		return frame.Frame{}, ErrEmptyCrop
	}

	src, err := frameToMat(crop)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	smooth := gocv.NewMat()
	defer smooth.Close()
	gocv.BilateralFilter(gray, &smooth, bilateralDiameter, bilateralSigmaColor, bilateralSigmaSpace)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.AdaptiveThreshold(smooth, &binary, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, thresholdBlockSize, thresholdC)

	out := binary
	if binary.Rows() != p.TargetHeight {
		width := int(float64(binary.Cols()) * float64(p.TargetHeight) / float64(binary.Rows()))
		if width < 1 {
			width = 1
		}
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(binary, &resized, image.Pt(width, p.TargetHeight), 0, 0, gocv.InterpolationLinear)
		out = resized
	}

	f, err := matToFrame(out)
	if err != nil {
		return frame.Frame{}, err
	}
	f.Seq, f.CapturedAt = crop.Seq, crop.CapturedAt
	return f, nil
}
