// Package recognition turns camera frames into face embeddings.
// It uses dlib through go-face for detection, landmarks and the 128-d descriptor.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Descriptor  Descriptor
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Area returns the box area in pixels.
func (r Rectangle) Area() int {
	return r.Width * r.Height
}

// Descriptor is a 128-dimensional face descriptor from dlib.
type Descriptor = face.Descriptor

// Embedder produces a feature vector for the face in an image.
// Implementations return ErrNoFaceDetected when the image holds no face.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// FaceEngine is the subset of *face.Recognizer used here.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when exactly one face was required.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// DlibRecognizer implements Embedder using dlib via go-face.
// dlib recognizers are not safe for concurrent use, so calls are serialised.
type DlibRecognizer struct {
	mu        sync.Mutex
	engine    FaceEngine
	factory   func(path string) (FaceEngine, error)
	modelPath string
	loaded    bool
}

var _ Embedder = (*DlibRecognizer)(nil)

// NewRecognizer creates a new DlibRecognizer instance.
func NewRecognizer() *DlibRecognizer {
	return &DlibRecognizer{
		factory: func(path string) (FaceEngine, error) {
			return face.NewRecognizer(path)
		},
	}
}

// LoadModels loads the dlib models from modelPath. The directory must hold
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
func (r *DlibRecognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	logging.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibRecognizer) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces detects all faces in a JPEG image.
func (r *DlibRecognizer) DetectFaces(imageData []byte) ([]Face, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := r.engine.Recognize(imageData)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		rect := f.Rectangle
		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Descriptor: f.Descriptor,
		}
	}

	logging.Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// DetectSingleFace detects exactly one face in the image.
// Enrollment uses it so ambiguous sample photos are rejected.
func (r *DlibRecognizer) DetectSingleFace(imageData []byte) (*Face, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}

	if len(faces) > 1 {
		return nil, ErrMultipleFaces
	}

	return &faces[0], nil
}

// Embed returns the descriptor of the largest face in the image.
// Other faces in the frame are ignored.
func (r *DlibRecognizer) Embed(ctx context.Context, imageData []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}

	best := LargestFace(faces)
	return Vector(best.Descriptor), nil
}

// LargestFace returns the face with the biggest bounding box.
// faces must not be empty.
func LargestFace(faces []Face) Face {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.BoundingBox.Area() > best.BoundingBox.Area() {
			best = f
		}
	}
	return best
}

// Vector copies a descriptor into a slice.
func Vector(d Descriptor) []float32 {
	v := make([]float32, len(d))
	copy(v, d[:])
	return v
}
