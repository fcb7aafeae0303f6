// Package vision holds the pure-Go image steps around recognition: crop
// padding, detector output decoding and preview scaling.
package vision

import "image"

// DefaultCropPadding is the margin added around a detected plate before cropping.
const DefaultCropPadding = 10

// PadBox grows box by pad pixels on every side and clamps it to bounds.
func PadBox(box image.Rectangle, pad int, bounds image.Rectangle) image.Rectangle {
	return image.Rect(
		box.Min.X-pad, box.Min.Y-pad,
		box.Max.X+pad, box.Max.Y+pad,
	).Intersect(bounds)
}
