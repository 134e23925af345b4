package index

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// atSimilarity builds a 2-d vector at the given cosine similarity to (1, 0).
func atSimilarity(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
		{"empty", nil, nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineDistance(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		wantErr error
	}{
		{"empty", nil, ErrEmptyGallery},
		{"no label", []Sample{{Name: "", Vector: []float32{1}}}, ErrInvalidSample},
		{"reserved label", []Sample{{Name: Unknown, Vector: []float32{1}}}, ErrInvalidSample},
		{"zero vector", []Sample{{Name: "ana", Vector: []float32{0, 0}}}, ErrInvalidSample},
		{"nan value", []Sample{{Name: "ana", Vector: []float32{float32(math.NaN()), 1}}}, ErrInvalidSample},
		{"inf value", []Sample{{Name: "ana", Vector: []float32{float32(math.Inf(1)), 1}}}, ErrInvalidSample},
		{"mixed dimension", []Sample{
			{Name: "ana", Vector: []float32{1, 0}},
			{Name: "budi", Vector: []float32{1, 0, 0}},
		}, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.samples)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClassify_Unavailable(t *testing.T) {
	var ix *Index
	_, err := ix.Classify([]float32{1, 0})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	h := NewHolder(nil)
	_, err = h.Classify([]float32{1, 0})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestClassify_DimensionMismatch(t *testing.T) {
	ix, err := Build([]Sample{{Name: "ana", Vector: []float32{1, 0}}})
	require.NoError(t, err)

	_, err = ix.Classify([]float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestClassify_NonFiniteQuery(t *testing.T) {
	ix, err := Build([]Sample{{Name: "ana", Vector: []float32{1, 0, 0}}})
	require.NoError(t, err)

	for _, vec := range [][]float32{
		{float32(math.NaN()), 0, 0},
		{float32(math.Inf(-1)), 0, 0},
	} {
		require.NotPanics(t, func() { _, err = ix.Classify(vec) })
		assert.ErrorIs(t, err, ErrInvalidSample)
	}
}

func TestClassify_Scenario(t *testing.T) {
	ix, err := Build([]Sample{
		{Name: "Ana", Vector: []float32{1, 0}},
		{Name: "Budi", Vector: []float32{-1, 0}},
	})
	require.NoError(t, err)

	near, err := ix.Classify(atSimilarity(0.8))
	require.NoError(t, err)
	assert.Equal(t, "Ana", near.Name)
	assert.True(t, near.Accepted())
	assert.InDelta(t, 0.2, near.Distance, 1e-6)

	far, err := ix.Classify(atSimilarity(0.2))
	require.NoError(t, err)
	assert.Equal(t, Unknown, far.Name)
	assert.False(t, far.Accepted())
	assert.Equal(t, "Ana", far.Nearest)
	assert.InDelta(t, 0.8, far.Distance, 1e-6)
}

func TestClassify_ThresholdIsInclusive(t *testing.T) {
	sample := []float32{0.3, 0.9, 0.1}
	query := []float32{0.5, 0.7, 0.2}
	d := CosineDistance(query, sample)
	require.Greater(t, d, 0.0)

	tests := []struct {
		name      string
		threshold float64
		want      string
	}{
		{"at threshold", d, "ana"},
		{"just below distance", math.Nextafter(d, 0), Unknown},
		{"above distance", d + 0.01, "ana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix, err := Build([]Sample{{Name: "ana", Vector: sample}}, WithThreshold(tt.threshold))
			require.NoError(t, err)

			m, err := ix.Classify(query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Name)
			assert.Equal(t, d, m.Distance)
		})
	}
}

func TestClassify_NearestAmongManySamples(t *testing.T) {
	ix, err := Build([]Sample{
		{Name: "ana", Vector: []float32{1, 0, 0}},
		{Name: "ana", Vector: []float32{0.9, 0.1, 0}},
		{Name: "budi", Vector: []float32{0, 1, 0}},
		{Name: "citra", Vector: []float32{0, 0, 1}},
	})
	require.NoError(t, err)

	m, err := ix.Classify([]float32{0.05, 0.02, 1})
	require.NoError(t, err)
	assert.Equal(t, "citra", m.Name)
	assert.Equal(t, []string{"ana", "budi", "citra"}, ix.Labels())
	assert.Equal(t, 4, ix.Len())
	assert.Equal(t, 3, ix.Dimension())
}

// clusters returns well-separated samples: one axis per identity with
// small deterministic jitter.
func clusters(names []string, perName, dim int) []Sample {
	var out []Sample
	for i, name := range names {
		for j := 0; j < perName; j++ {
			v := make([]float32, dim)
			v[i] = 1
			v[(i+1)%dim] = float32(j) * 0.01
			out = append(out, Sample{Name: name, Vector: v})
		}
	}
	return out
}

func TestClassify_GraphMatchesExactScan(t *testing.T) {
	names := []string{"ana", "budi", "citra", "dewi", "eko"}
	samples := clusters(names, 3, 8)

	exact, err := Build(samples)
	require.NoError(t, err)
	require.Nil(t, exact.graph)

	graph, err := Build(samples, WithExactScanLimit(0), WithCandidates(len(samples)))
	require.NoError(t, err)
	require.NotNil(t, graph.graph)

	for i, name := range names {
		q := make([]float32, 8)
		q[i] = 1
		q[(i+2)%8] = 0.05

		want, err := exact.Classify(q)
		require.NoError(t, err)
		got, err := graph.Classify(q)
		require.NoError(t, err)

		assert.Equal(t, name, want.Name)
		assert.Equal(t, want.Name, got.Name, "query %d", i)
		assert.InDelta(t, want.Distance, got.Distance, 1e-9)
	}
}

func TestBuild_CopiesSamples(t *testing.T) {
	v := []float32{1, 0}
	ix, err := Build([]Sample{{Name: "ana", Vector: v}})
	require.NoError(t, err)

	v[0], v[1] = 0, 1
	m, err := ix.Classify([]float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "ana", m.Name)
	assert.InDelta(t, 0, m.Distance, 1e-9)
}

func TestClassify_ConcurrentReaders(t *testing.T) {
	ix, err := Build(clusters([]string{"ana", "budi"}, 5, 4))
	require.NoError(t, err)
	h := NewHolder(ix)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			q := []float32{0, 0, 0, 0}
			q[g%2] = 1
			m, err := h.Classify(q)
			if err != nil {
				errs <- err
				return
			}
			if want := []string{"ana", "budi"}[g%2]; m.Name != want {
				errs <- fmt.Errorf("goroutine %d: got %s want %s", g, m.Name, want)
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestHolder_Swap(t *testing.T) {
	first, err := Build([]Sample{{Name: "ana", Vector: []float32{1, 0}}})
	require.NoError(t, err)
	second, err := Build([]Sample{{Name: "budi", Vector: []float32{1, 0}}})
	require.NoError(t, err)

	h := NewHolder(first)
	m, err := h.Classify([]float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "ana", m.Name)

	h.Store(second)
	m, err = h.Classify([]float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "budi", m.Name)

	h.Store(nil)
	_, err = h.Classify([]float32{1, 0})
	assert.True(t, errors.Is(err, ErrModelUnavailable))
}
