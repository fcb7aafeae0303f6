package vision

import (
	"image"

	"anpr-edge/internal/domain/anpr"
)

// DecodeYOLO picks the highest-scoring box from a single-image YOLOv8 output
// laid out as [4+classes][candidates] (cx, cy, w, h, class scores...), in
// input-square pixels. The box is scaled back to a frame of the given size
// and clamped to it. Candidates below minScore are ignored; nil means none
// qualified.
func DecodeYOLO(out []float32, attrs, candidates, inputSize int, frame image.Rectangle, minScore float64) *anpr.Detection {
	if attrs < 5 || candidates <= 0 || inputSize <= 0 || len(out) < attrs*candidates || frame.Empty() {
		return nil
	}

	at := func(a, i int) float64 { return float64(out[a*candidates+i]) }

	best, bestScore := -1, 0.0
	for i := 0; i < candidates; i++ {
		score := 0.0
		for c := 4; c < attrs; c++ {
			if s := at(c, i); s > score {
				score = s
			}
		}
		if score > 0 && score >= minScore && (best < 0 || score > bestScore) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil
	}

	sx := float64(frame.Dx()) / float64(inputSize)
	sy := float64(frame.Dy()) / float64(inputSize)
	cx, cy, w, h := at(0, best), at(1, best), at(2, best), at(3, best)

	box := image.Rect(
		frame.Min.X+int((cx-w/2)*sx),
		frame.Min.Y+int((cy-h/2)*sy),
		frame.Min.X+int((cx+w/2)*sx+0.5),
		frame.Min.Y+int((cy+h/2)*sy+0.5),
	).Intersect(frame)
	if box.Empty() {
		return nil
	}
	return &anpr.Detection{Box: box, Confidence: bestScore}
}
