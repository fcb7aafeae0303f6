package vision

import (
	"image"

	"golang.org/x/image/draw"

	"anpr-edge/internal/frame"
)

// FitWidth downscales f to at most maxWidth pixels wide, keeping the aspect
// ratio. Frames already narrow enough, or a non-positive maxWidth, return f
// unchanged.
func FitWidth(f frame.Frame, maxWidth int) (frame.Frame, error) {
	if maxWidth <= 0 || f.Width <= maxWidth {
		return f, nil
	}
	src, err := f.Image()
	if err != nil {
		return frame.Frame{}, err
	}

	height := f.Height * maxWidth / f.Width
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := frame.FromImage(dst)
	out.Seq, out.CapturedAt = f.Seq, f.CapturedAt
	return out, nil
}
