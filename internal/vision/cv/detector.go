package cv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
	"anpr-edge/internal/vision"
)

const DefaultInputSize = 640

// YOLODetector runs a single-class YOLOv8 ONNX plate model with OpenCV DNN.
type YOLODetector struct {
	mu        sync.Mutex
	net       gocv.Net
	inputSize int
	minScore  float64
}

func NewYOLODetector(modelPath string, inputSize int, minScore float64) (*YOLODetector, error) {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load detection model %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set dnn target: %w", err)
	}
	return &YOLODetector{net: net, inputSize: inputSize, minScore: minScore}, nil
}

func (d *YOLODetector) Detect(ctx context.Context, f frame.Frame) (*anpr.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := frameToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read detector output: %w", err)
	}
	if len(data) < dims[1]*dims[2] {
		return nil, errors.New("detector output truncated")
	}

	return vision.DecodeYOLO(data, dims[1], dims[2], d.inputSize, f.Bounds(), d.minScore), nil
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
