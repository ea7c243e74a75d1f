package vision

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facewatch/internal/config"
)

// Analyzer is the face localization + embedding contract consumed by the
// detection worker and the enrollment flow. Engine is the ONNX-backed
// implementation; tests substitute fakes.
type Analyzer interface {
	DetectFaces(img image.Image) ([]Detection, error)
	Embed(img image.Image, bbox [4]float32) ([]float32, error)
}

// Engine bundles the detector and embedder behind an image-level API.
type Engine struct {
	detector *Detector
	embedder *Embedder
	scale    float64
}

// NewEngine loads both ONNX models from the configured models directory.
func NewEngine(cfg config.VisionConfig) (*Engine, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "mobilefacenet.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	scale := cfg.DetectScale
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	return &Engine{detector: det, embedder: emb, scale: scale}, nil
}

// DetectFaces downscales the frame, runs localization, and returns boxes
// mapped back to full-frame coordinates.
func (e *Engine) DetectFaces(img image.Image) ([]Detection, error) {
	small := Downscale(img, e.scale)
	sb := small.Bounds()

	data := preprocessForDetection(small, e.detector.inputW, e.detector.inputH)
	dets, err := e.detector.Detect(data, sb.Dx(), sb.Dy())
	if err != nil {
		return nil, err
	}

	if e.scale < 1 {
		inv := float32(1 / e.scale)
		for i := range dets {
			for j := 0; j < 4; j++ {
				dets[i].BBox[j] *= inv
			}
		}
	}
	return dets, nil
}

// Embed crops the face at bbox (full-frame coordinates) and extracts its
// embedding.
func (e *Engine) Embed(img image.Image, bbox [4]float32) ([]float32, error) {
	crop := CropFace(img, bbox)
	if crop == nil {
		return nil, fmt.Errorf("degenerate face box %v", bbox)
	}
	data := preprocessForEmbedding(crop, e.embedder.inputW, e.embedder.inputH)
	return e.embedder.Extract(data)
}

// Close releases both ONNX sessions.
func (e *Engine) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}

// InitRuntime points ONNX Runtime at the shared library for this OS and
// initializes the environment. Call once per process before NewEngine.
func InitRuntime(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	return nil
}

// DestroyRuntime tears the ONNX environment down.
func DestroyRuntime() {
	ort.DestroyEnvironment()
}
