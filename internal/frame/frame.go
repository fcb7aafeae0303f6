// Package frame holds the pixel buffer type shared by the capture loop, the
// recognition pipeline and the HTTP preview.
package frame

import (
	"errors"
	"image"
	"image/color"
	"time"
)

var ErrUnsupportedChannels = errors.New("unsupported channel count")

// Frame is an interleaved 8-bit pixel buffer. Three-channel frames are BGR,
// the layout capture devices deliver; one-channel frames are grayscale.
type Frame struct {
	Width      int
	Height     int
	Channels   int
	Pix        []byte
	Seq        uint64
	CapturedAt time.Time
}

func New(width, height, channels int) Frame {
	return Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*f.Channels
}

func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Clone returns a deep copy; the result shares no memory with f.
func (f Frame) Clone() Frame {
	out := f
	if f.Pix != nil {
		out.Pix = make([]byte, len(f.Pix))
		copy(out.Pix, f.Pix)
	}
	return out
}

// Crop copies the region r (clamped to the frame) into a new frame.
func (f Frame) Crop(r image.Rectangle) Frame {
	r = r.Intersect(f.Bounds())
	out := New(r.Dx(), r.Dy(), f.Channels)
	out.Seq = f.Seq
	out.CapturedAt = f.CapturedAt
	if r.Empty() {
		return out
	}
	rowLen := r.Dx() * f.Channels
	for y := 0; y < r.Dy(); y++ {
		src := ((r.Min.Y+y)*f.Width + r.Min.X) * f.Channels
		copy(out.Pix[y*rowLen:(y+1)*rowLen], f.Pix[src:src+rowLen])
	}
	return out
}

func (f Frame) offset(x, y int) int {
	return (y*f.Width + x) * f.Channels
}

// Image converts the frame into a standard library image for encoding.
func (f Frame) Image() (image.Image, error) {
	switch f.Channels {
	case 1:
		img := image.NewGray(f.Bounds())
		copy(img.Pix, f.Pix)
		return img, nil
	case 3:
		img := image.NewRGBA(f.Bounds())
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				i := f.offset(x, y)
				img.SetRGBA(x, y, color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 0xff})
			}
		}
		return img, nil
	default:
		return nil, ErrUnsupportedChannels
	}
}

// FromImage converts any decoded image into a BGR frame.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	out := New(b.Dx(), b.Dy(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := out.offset(x, y)
			out.Pix[i] = c.B
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.R
		}
	}
	out.CapturedAt = time.Now()
	return out
}
