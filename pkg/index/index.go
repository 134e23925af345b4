// Package index classifies face embeddings against the enrolled gallery.
//
// An Index is built once from enrollment samples and is read-only afterwards,
// so any number of goroutines may call Classify concurrently. Small galleries
// are scanned exhaustively; larger ones use an HNSW graph to pick candidates
// which are then re-ranked with exact cosine distance.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/coder/hnsw"
)

// Unknown is the name reported for rejected matches.
const Unknown = "unknown"

const (
	// DefaultThreshold is the largest cosine distance accepted as a match.
	DefaultThreshold = 0.5
	// DefaultExactScanLimit is the gallery size up to which Classify scans every sample.
	DefaultExactScanLimit = 512
	// DefaultCandidates is how many HNSW neighbours are re-ranked exactly.
	DefaultCandidates = 10

	maxNeighbors = 16
)

var (
	// ErrModelUnavailable is returned by Classify when no index has been built or loaded.
	ErrModelUnavailable = errors.New("identity index unavailable")
	// ErrDimensionMismatch is returned when a vector does not match the gallery dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyGallery is returned by Build when there are no samples.
	ErrEmptyGallery = errors.New("no embedding samples")
	// ErrInvalidSample is returned by Build for unlabeled, zero or non-finite
	// vectors, and by Classify for a non-finite query.
	ErrInvalidSample = errors.New("invalid embedding sample")
)

// Sample is one enrolled embedding.
type Sample struct {
	Name   string    `msgpack:"name"`
	Vector []float32 `msgpack:"vector"`
}

// Match is the result of classifying one vector.
type Match struct {
	// Name is the accepted identity or Unknown.
	Name string
	// Nearest is the label of the closest sample, even when rejected.
	Nearest  string
	Distance float64
}

// Accepted reports whether the match resolved to an identity.
func (m Match) Accepted() bool {
	return m.Name != Unknown
}

// Option configures Build.
type Option func(*Index)

// WithThreshold sets the acceptance threshold.
func WithThreshold(t float64) Option {
	return func(ix *Index) { ix.threshold = t }
}

// WithExactScanLimit sets the largest gallery scanned exhaustively.
// Zero forces the HNSW path for every gallery.
func WithExactScanLimit(n int) Option {
	return func(ix *Index) { ix.exactScanLimit = n }
}

// WithCandidates sets how many HNSW neighbours are re-ranked.
func WithCandidates(k int) Option {
	return func(ix *Index) {
		if k > 0 {
			ix.candidates = k
		}
	}
}

// Index is an immutable nearest-neighbour classifier.
type Index struct {
	threshold      float64
	exactScanLimit int
	candidates     int

	dim     int
	labels  []string
	vectors [][]float32
	names   []string
	graph   *hnsw.Graph[int]
}

// Build creates an index from samples. Samples are copied.
func Build(samples []Sample, opts ...Option) (*Index, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyGallery
	}

	ix := &Index{
		threshold:      DefaultThreshold,
		exactScanLimit: DefaultExactScanLimit,
		candidates:     DefaultCandidates,
		dim:            len(samples[0].Vector),
		labels:         make([]string, len(samples)),
		vectors:        make([][]float32, len(samples)),
	}
	for _, opt := range opts {
		opt(ix)
	}

	seen := make(map[string]struct{})
	for i, s := range samples {
		if s.Name == "" || s.Name == Unknown {
			return nil, fmt.Errorf("%w: sample %d has label %q", ErrInvalidSample, i, s.Name)
		}
		if len(s.Vector) != ix.dim || ix.dim == 0 {
			return nil, fmt.Errorf("%w: sample %d has %d values, want %d", ErrDimensionMismatch, i, len(s.Vector), ix.dim)
		}
		if !finite(s.Vector) {
			return nil, fmt.Errorf("%w: sample %d (%s) has NaN or Inf values", ErrInvalidSample, i, s.Name)
		}
		if norm(s.Vector) == 0 {
			return nil, fmt.Errorf("%w: sample %d (%s) is a zero vector", ErrInvalidSample, i, s.Name)
		}

		v := make([]float32, len(s.Vector))
		copy(v, s.Vector)
		ix.labels[i] = s.Name
		ix.vectors[i] = v

		if _, ok := seen[s.Name]; !ok {
			seen[s.Name] = struct{}{}
			ix.names = append(ix.names, s.Name)
		}
	}
	sort.Strings(ix.names)

	if len(samples) > ix.exactScanLimit {
		g := hnsw.NewGraph[int]()
		g.M = maxNeighbors
		g.Ml = 1.0 / float64(maxNeighbors)
		g.Distance = hnsw.CosineDistance
		for i, v := range ix.vectors {
			g.Add(hnsw.MakeNode(i, v))
		}
		ix.graph = g
	}

	return ix, nil
}

// Classify returns the nearest identity when its distance is within the
// threshold and Unknown otherwise. A nil index returns ErrModelUnavailable.
func (ix *Index) Classify(vec []float32) (Match, error) {
	if ix == nil || len(ix.vectors) == 0 {
		return Match{}, ErrModelUnavailable
	}
	if len(vec) != ix.dim {
		return Match{}, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	if !finite(vec) {
		return Match{}, fmt.Errorf("%w: query has NaN or Inf values", ErrInvalidSample)
	}

	best, dist := ix.nearest(vec)
	m := Match{
		Name:     Unknown,
		Nearest:  ix.labels[best],
		Distance: dist,
	}
	if dist <= ix.threshold {
		m.Name = m.Nearest
	}
	return m, nil
}

// nearest returns the position of the closest sample and its exact distance.
func (ix *Index) nearest(vec []float32) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	consider := func(i int) {
		d := CosineDistance(vec, ix.vectors[i])
		if d < bestDist || (d == bestDist && i < best) {
			best, bestDist = i, d
		}
	}

	if ix.graph == nil {
		for i := range ix.vectors {
			consider(i)
		}
		return best, bestDist
	}

	k := min(ix.candidates, len(ix.vectors))
	for _, n := range ix.graph.Search(vec, k) {
		consider(n.Key)
	}
	if best < 0 {
		// Degenerate graph search; fall back to the full scan.
		for i := range ix.vectors {
			consider(i)
		}
	}
	return best, bestDist
}

// Threshold returns the acceptance threshold.
func (ix *Index) Threshold() float64 {
	return ix.threshold
}

// Len returns the number of samples.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.vectors)
}

// Dimension returns the embedding dimension.
func (ix *Index) Dimension() int {
	if ix == nil {
		return 0
	}
	return ix.dim
}

// Labels returns the distinct identity names, sorted.
func (ix *Index) Labels() []string {
	if ix == nil {
		return nil
	}
	out := make([]string, len(ix.names))
	copy(out, ix.names)
	return out
}

// CosineDistance computes the cosine distance between two vectors.
// Returns a value between 0 (identical) and 2 (opposite); invalid input
// yields the maximum distance.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
