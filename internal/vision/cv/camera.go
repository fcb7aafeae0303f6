// Package cv binds the camera and plate detector to OpenCV through gocv.
package cv

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"anpr-edge/internal/camera"
	"anpr-edge/internal/frame"
)

// Device reads BGR frames from a gocv.VideoCapture.
type Device struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenDevice opens a camera index ("0") or a stream/file URL.
func OpenDevice(source string, width, height, fps int) (camera.Device, error) {
	var target interface{} = source
	if id, err := strconv.Atoi(source); err == nil {
		target = id
	}

	capture, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.New("video capture is not opened")
	}

	if width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &Device{capture: capture, mat: gocv.NewMat()}, nil
}

func (d *Device) Read() (frame.Frame, bool) {
	if !d.capture.Read(&d.mat) || d.mat.Empty() {
		return frame.Frame{}, false
	}
	f, err := matToFrame(d.mat)
	if err != nil {
		return frame.Frame{}, false
	}
	f.CapturedAt = time.Now()
	return f, true
}

func (d *Device) Close() error {
	if err := d.mat.Close(); err != nil {
		return err
	}
	return d.capture.Close()
}

func matToFrame(m gocv.Mat) (frame.Frame, error) {
	channels := m.Channels()
	if m.Type() != gocv.MatTypeCV8UC3 && m.Type() != gocv.MatTypeCV8UC1 {
		return frame.Frame{}, fmt.Errorf("unsupported mat type %v", m.Type())
	}
	pix := m.ToBytes()
	return frame.Frame{Width: m.Cols(), Height: m.Rows(), Channels: channels, Pix: pix}, nil
}

// frameToMat returns a BGR mat owned by the caller.
func frameToMat(f frame.Frame) (gocv.Mat, error) {
	switch f.Channels {
	case 3:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	case 1:
		gray, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Pix)
		if err != nil {
			return gocv.Mat{}, err
		}
		defer gray.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)
		return bgr, nil
	}
	return gocv.Mat{}, frame.ErrUnsupportedChannels
}
