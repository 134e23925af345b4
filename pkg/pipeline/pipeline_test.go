package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/feedback"
	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
)

var (
	vecAna     = []float32{1, 0, 0}
	vecBudi    = []float32{0, 1, 0}
	nearAna    = []float32{0.8, 0.6, 0}       // distance 0.2 to Ana
	farFromAll = []float32{0.2, 0, 0.9797959} // distance 0.8 to Ana
)

// MockEmbedder is a mock implementation of recognition.Embedder.
type MockEmbedder struct {
	mu        sync.Mutex
	vec       []float32
	EmbedFunc func(ctx context.Context, image []byte) ([]float32, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, image)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.vec...), nil
}

func (m *MockEmbedder) Set(vec []float32) {
	m.mu.Lock()
	m.vec = vec
	m.mu.Unlock()
}

// MockSynthesizer returns fixed audio.
type MockSynthesizer struct{}

func (MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("mp3:" + text), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// failingRecorder fails every write until healed.
type failingRecorder struct {
	mu     sync.Mutex
	next   Recorder
	broken bool
}

func (f *failingRecorder) RecordAttendance(ctx context.Context, id attendance.Identity, ref string, at time.Time) (int64, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return 0, fmt.Errorf("record attendance: %w: disk I/O error", attendance.ErrStorage)
	}
	return f.next.RecordAttendance(ctx, id, ref, at)
}

type fixture struct {
	pipeline  *Pipeline
	embedder  *MockEmbedder
	store     *attendance.Store
	recorder  *failingRecorder
	state     *attendance.State
	artifacts *artifacts.Local
	resolver  *feedback.Resolver
	holder    *index.Holder
	clock     *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	store, err := attendance.Open(filepath.Join(t.TempDir(), "attendance.db"), loc)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.ReconcileRoster(ctx, []attendance.Identity{
		{Name: "Ana", Organization: "Acme", Category: "intern"},
		{Name: "Budi", Organization: "Acme", Category: "intern"},
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, loc)}
	state := attendance.NewState(store, loc)
	require.NoError(t, state.Refresh(ctx, clock.Now()))

	ix, err := index.Build([]index.Sample{
		{Name: "Ana", Vector: vecAna},
		{Name: "Budi", Vector: vecBudi},
		{Name: "Citra", Vector: []float32{0, 0, 1}},
	})
	require.NoError(t, err)
	holder := index.NewHolder(ix)

	local, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	resolver := feedback.NewResolver(config.DefaultConfig().Feedback, MockSynthesizer{}, local,
		tracks.Snapshot{Version: 1, Tracks: map[string]string{"Ana": "0001"}})

	embedder := &MockEmbedder{vec: nearAna}
	recorder := &failingRecorder{next: store}

	p, err := New(Options{
		Embedder:  embedder,
		Index:     holder,
		State:     state,
		Store:     recorder,
		Artifacts: local,
		Feedback:  resolver,
		Location:  loc,
		Clock:     clock.Now,
	})
	require.NoError(t, err)

	return &fixture{
		pipeline:  p,
		embedder:  embedder,
		store:     store,
		recorder:  recorder,
		state:     state,
		artifacts: local,
		resolver:  resolver,
		holder:    holder,
		clock:     clock,
	}
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountEventsOn(context.Background(), f.clock.Now())
	require.NoError(t, err)
	return n
}

func TestRun_AnaScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := testFrame(t)

	res := f.pipeline.Run(ctx, img)
	require.Equal(t, OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "Ana", res.Name)
	assert.InDelta(t, 0.2, res.Distance, 1e-5)
	assert.Equal(t, feedback.Reference{Track: "0001"}, res.Feedback)
	assert.Positive(t, res.EventID)
	assert.Equal(t, 1, f.count(t))

	events, err := f.store.ListTodayEvents(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	ok, err := f.artifacts.Exists(ctx, events[0].ImageReference)
	require.NoError(t, err)
	assert.True(t, ok, "frame artifact must exist before the event is visible")

	res = f.pipeline.Run(ctx, img)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "Ana", res.Name)
	assert.NotEmpty(t, res.Feedback.Artifact)
	assert.Equal(t, 1, f.count(t))

	f.embedder.Set(farFromAll)
	res = f.pipeline.Run(ctx, img)
	require.Equal(t, OutcomeUnrecognized, res.Outcome)
	assert.Empty(t, res.Name)
	assert.InDelta(t, 0.8, res.Distance, 1e-5)
	assert.Equal(t, feedback.Reference{Track: "S003"}, res.Feedback)
	assert.Equal(t, 1, f.count(t))
}

func TestRun_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := testFrame(t)

	require.Equal(t, OutcomeSuccess, f.pipeline.Run(ctx, img).Outcome)
	for i := 0; i < 5; i++ {
		assert.Equal(t, OutcomeDuplicate, f.pipeline.Run(ctx, img).Outcome)
	}
	assert.Equal(t, 1, f.count(t))
}

func TestRun_NoFace(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		return nil, recognition.ErrNoFaceDetected
	}

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeNoFace, res.Outcome)
	assert.Equal(t, feedback.Reference{Track: "S002"}, res.Feedback)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, f.count(t))
}

func TestRun_UndecodableFrameIsNoFace(t *testing.T) {
	f := newFixture(t)
	called := false
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		called = true
		return nearAna, nil
	}

	res := f.pipeline.Run(context.Background(), []byte("not an image"))
	assert.Equal(t, OutcomeNoFace, res.Outcome)
	assert.False(t, called)
}

func TestRun_ModelUnavailable(t *testing.T) {
	f := newFixture(t)
	f.holder.Store(nil)

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, index.ErrModelUnavailable)
}

func TestRun_EmbedderNotLoaded(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		return nil, recognition.ErrModelNotLoaded
	}

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, index.ErrModelUnavailable)
}

func TestRun_ClassifiedButNotInRoster(t *testing.T) {
	f := newFixture(t)
	f.embedder.Set([]float32{0, 0, 1})

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeUnrecognized, res.Outcome)
	assert.Equal(t, 0, f.count(t))
}

func TestRun_MissingSuccessTrack(t *testing.T) {
	f := newFixture(t)
	f.embedder.Set(vecBudi)

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.ErrorIs(t, res.FeedbackErr, feedback.ErrMissingTrack)
	assert.True(t, res.Feedback.IsZero())
	assert.Equal(t, 1, f.count(t), "attendance is committed even without a track")
}

func TestRun_ConcurrentSameName(t *testing.T) {
	f := newFixture(t)
	img := testFrame(t)

	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.pipeline.Run(context.Background(), img)
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[OutcomeSuccess])
	assert.Equal(t, n-1, counts[OutcomeDuplicate])
	assert.Equal(t, 1, f.count(t))
	assert.Equal(t, 0, f.pipeline.locks.Len())
}

type vecKey struct{}

func TestRun_ConcurrentDifferentNames(t *testing.T) {
	f := newFixture(t)
	img := testFrame(t)
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		return ctx.Value(vecKey{}).([]float32), nil
	}

	var wg sync.WaitGroup
	for _, vec := range [][]float32{vecAna, vecBudi} {
		ctx := context.WithValue(context.Background(), vecKey{}, vec)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.pipeline.Run(ctx, img)
			}()
		}
	}
	wg.Wait()

	names, err := f.store.AttendedNamesOn(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Ana", "Budi"}, names)
	assert.Equal(t, 2, f.count(t))
}

func TestRun_StorageFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := testFrame(t)

	f.recorder.broken = true
	res := f.pipeline.Run(ctx, img)
	require.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, attendance.ErrStorage)
	assert.Equal(t, "Ana", res.Name)

	attended, err := f.state.IsAttendedToday(ctx, "Ana", f.clock.Now())
	require.NoError(t, err)
	assert.False(t, attended, "failed writes must not mark the identity")

	entries, err := filepath.Glob(filepath.Join(f.artifacts.Root(), "images", "*", "*.jpg"))
	require.NoError(t, err)
	assert.Empty(t, entries, "orphaned frame must be removed")

	f.recorder.broken = false
	res = f.pipeline.Run(ctx, img)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, f.count(t))
}

func TestRun_DayBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := testFrame(t)
	loc := f.store.Location()

	f.clock.Set(time.Date(2024, 3, 1, 23, 59, 0, 0, loc))
	require.Equal(t, OutcomeSuccess, f.pipeline.Run(ctx, img).Outcome)
	require.Equal(t, OutcomeDuplicate, f.pipeline.Run(ctx, img).Outcome)

	f.clock.Set(time.Date(2024, 3, 2, 0, 0, 30, 0, loc))
	res := f.pipeline.Run(ctx, img)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	dates, err := f.store.AttendanceDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-01", "2024-03-02"}, dates)
}

func TestRun_PanicBecomesError(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		panic("dlib exploded")
	}

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrInternal)
	assert.Positive(t, res.Duration)
}

func TestRun_EmbedError(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedFunc = func(ctx context.Context, image []byte) ([]float32, error) {
		return nil, errors.New("engine failure")
	}

	res := f.pipeline.Run(context.Background(), testFrame(t))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "Recognition failed. Please try again", res.Message())
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.ReconcileRoster(ctx, []attendance.Identity{{Name: "Citra"}})
	require.NoError(t, err)

	ix, err := index.Build([]index.Sample{{Name: "Citra", Vector: []float32{0, 0, 1}}})
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Reload(ctx, ix, tracks.Snapshot{Version: 2, Tracks: map[string]string{"Citra": "0003"}}))

	f.embedder.Set([]float32{0, 0, 1})
	res := f.pipeline.Run(ctx, testFrame(t))
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "Citra", res.Name)
	assert.Equal(t, feedback.Reference{Track: "0003"}, res.Feedback)
	assert.EqualValues(t, 2, f.resolver.TrackVersion())

	assert.ErrorIs(t, f.pipeline.Reload(ctx, nil, tracks.Snapshot{}), index.ErrModelUnavailable)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestImageKey(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	key := ImageKey("Ana/B", at, loc)
	assert.Equal(t, fmt.Sprintf("images/2024-03-02/Ana_B_%d.jpg", at.UnixNano()), key)
	assert.NoError(t, artifacts.ValidateKey(key))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Attendance recorded", Message(OutcomeSuccess))
	assert.Equal(t, "Recognition failed", Message(Outcome("bogus")))
}
