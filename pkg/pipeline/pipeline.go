// Package pipeline runs one camera frame through recognition, daily
// deduplication, persistence and feedback selection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/feedback"
	"github.com/MrCodeEU/faceattend/pkg/frame"
	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
)

// ErrInternal wraps recovered panics.
var ErrInternal = errors.New("internal pipeline failure")

// State is the attendance state the pipeline deduplicates against.
type State interface {
	LookupIdentity(name string) (attendance.Identity, bool)
	IsAttendedToday(ctx context.Context, name string, now time.Time) (bool, error)
	MarkAttended(name string, at time.Time)
	Refresh(ctx context.Context, now time.Time) error
}

// Recorder durably appends attendance events.
type Recorder interface {
	RecordAttendance(ctx context.Context, identity attendance.Identity, imageRef string, at time.Time) (int64, error)
}

// Feedback resolves the audio for each outcome.
type Feedback interface {
	NoFace() feedback.Reference
	Unrecognized() feedback.Reference
	Success(name string) (feedback.Reference, error)
	Duplicate(ctx context.Context, name string) feedback.Reference
	SetTracks(snap tracks.Snapshot)
}

// Options holds the collaborators of a Pipeline.
type Options struct {
	Embedder  recognition.Embedder
	Index     *index.Holder
	State     State
	Store     Recorder
	Artifacts artifacts.FileStore
	Feedback  Feedback

	// MaxFrameDimension bounds the stored frame; 0 keeps the input size.
	MaxFrameDimension int
	// Location is the civil timezone used for image keys. Defaults to time.Local.
	Location *time.Location
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Pipeline is the recognition core. It is safe for concurrent use.
type Pipeline struct {
	embedder  recognition.Embedder
	index     *index.Holder
	state     State
	store     Recorder
	artifacts artifacts.FileStore
	feedback  Feedback
	maxDim    int
	loc       *time.Location
	now       func() time.Time

	locks *keyedMutex
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case opts.Index == nil:
		return nil, errors.New("pipeline: index holder is required")
	case opts.State == nil:
		return nil, errors.New("pipeline: attendance state is required")
	case opts.Store == nil:
		return nil, errors.New("pipeline: attendance store is required")
	case opts.Artifacts == nil:
		return nil, errors.New("pipeline: artifact store is required")
	case opts.Feedback == nil:
		return nil, errors.New("pipeline: feedback resolver is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	return &Pipeline{
		embedder:  opts.Embedder,
		index:     opts.Index,
		state:     opts.State,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		feedback:  opts.Feedback,
		maxDim:    opts.MaxFrameDimension,
		loc:       loc,
		now:       clock,
		locks:     newKeyedMutex(),
	}, nil
}

// Run processes one frame. It never panics and never returns an error;
// failures are reported through Result.Outcome and Result.Err.
func (p *Pipeline) Run(ctx context.Context, image []byte) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Component("pipeline").WithField("stack", string(debug.Stack())).
				Errorf("Recovered panic: %v", r)
			res = Result{Outcome: OutcomeError, Err: fmt.Errorf("%w: %v", ErrInternal, r)}
		}
		res.Duration = time.Since(start)
		logResult(res)
	}()

	return p.run(ctx, image)
}

func (p *Pipeline) run(ctx context.Context, image []byte) Result {
	data, err := frame.Normalize(image, p.maxDim)
	if err != nil {
		if errors.Is(err, frame.ErrInvalidImage) {
			logging.Component("pipeline").Debugf("Undecodable frame treated as no face: %v", err)
			return Result{Outcome: OutcomeNoFace, Feedback: p.feedback.NoFace()}
		}
		return failed(err)
	}

	vec, err := p.embedder.Embed(ctx, data)
	if err != nil {
		if errors.Is(err, recognition.ErrNoFaceDetected) {
			return Result{Outcome: OutcomeNoFace, Feedback: p.feedback.NoFace()}
		}
		if errors.Is(err, recognition.ErrModelNotLoaded) {
			return failed(fmt.Errorf("%w: %w", index.ErrModelUnavailable, err))
		}
		return failed(fmt.Errorf("embed frame: %w", err))
	}

	match, err := p.index.Classify(vec)
	if err != nil {
		return failed(fmt.Errorf("classify: %w", err))
	}
	if !match.Accepted() {
		return Result{
			Outcome:  OutcomeUnrecognized,
			Distance: match.Distance,
			Feedback: p.feedback.Unrecognized(),
		}
	}

	identity, ok := p.state.LookupIdentity(match.Name)
	if !ok {
		logging.Component("pipeline").WithField("identity", match.Name).
			Warn("Classified identity is missing from the roster")
		return Result{
			Outcome:  OutcomeUnrecognized,
			Distance: match.Distance,
			Feedback: p.feedback.Unrecognized(),
		}
	}

	duplicate, eventID, err := p.commit(ctx, identity, data)
	if err != nil {
		res := failed(err)
		res.Name = identity.Name
		res.Distance = match.Distance
		return res
	}

	res := Result{Name: identity.Name, Distance: match.Distance}
	if duplicate {
		res.Outcome = OutcomeDuplicate
		res.Feedback = p.feedback.Duplicate(ctx, identity.Name)
		return res
	}

	res.Outcome = OutcomeSuccess
	res.EventID = eventID
	ref, err := p.feedback.Success(identity.Name)
	if err != nil {
		logging.Component("pipeline").WithError(err).WithField("identity", identity.Name).
			Error("Attendance recorded but no success track is available")
		res.FeedbackErr = err
	}
	res.Feedback = ref
	return res
}

// commit runs the dedup check and the persistence steps under the
// identity's lock. Feedback synthesis happens after the lock is released.
func (p *Pipeline) commit(ctx context.Context, identity attendance.Identity, data []byte) (duplicate bool, eventID int64, err error) {
	unlock := p.locks.Lock(identity.Name)
	defer unlock()

	now := p.now()
	attended, err := p.state.IsAttendedToday(ctx, identity.Name, now)
	if err != nil {
		return false, 0, fmt.Errorf("attendance state: %w", err)
	}
	if attended {
		return true, 0, nil
	}

	key := ImageKey(identity.Name, now, p.loc)
	if err := artifacts.WriteAll(ctx, p.artifacts, key, data); err != nil {
		return false, 0, fmt.Errorf("store frame: %w", err)
	}

	eventID, err = p.store.RecordAttendance(ctx, identity, key, now)
	if err != nil {
		if derr := p.artifacts.Delete(context.WithoutCancel(ctx), key); derr != nil {
			logging.Component("pipeline").WithError(derr).WithField("key", key).
				Warn("Failed to remove orphaned frame")
		}
		return false, 0, err
	}

	p.state.MarkAttended(identity.Name, now)
	return false, eventID, nil
}

// Reload swaps in a new index and track mapping and reloads the roster.
func (p *Pipeline) Reload(ctx context.Context, ix *index.Index, snap tracks.Snapshot) error {
	if ix == nil {
		return index.ErrModelUnavailable
	}
	// Roster first, so a newly enrolled name never classifies before it
	// can be looked up.
	if err := p.state.Refresh(ctx, p.now()); err != nil {
		return fmt.Errorf("refresh attendance state: %w", err)
	}
	p.feedback.SetTracks(snap)
	p.index.Store(ix)
	logging.Component("pipeline").WithFields(logging.Fields{
		"samples":       ix.Len(),
		"identities":    len(ix.Labels()),
		"track_version": snap.Version,
	}).Info("Reloaded recognition data")
	return nil
}

// ImageKey is the artifact key of the frame stored for an event.
func ImageKey(name string, at time.Time, loc *time.Location) string {
	safe := strings.NewReplacer("/", "_", `\`, "_").Replace(name)
	return fmt.Sprintf("images/%s/%s_%d.jpg", attendance.LocalDate(at, loc), safe, at.UnixNano())
}

func failed(err error) Result {
	return Result{Outcome: OutcomeError, Err: err}
}

func logResult(res Result) {
	entry := logging.Component("pipeline").WithFields(logging.Fields{
		"outcome":  res.Outcome,
		"duration": res.Duration.Round(time.Millisecond),
	})
	if res.Name != "" {
		entry = entry.WithField("identity", res.Name)
	}
	if res.Outcome != OutcomeNoFace && res.Outcome != OutcomeError {
		entry = entry.WithField("distance", fmt.Sprintf("%.4f", res.Distance))
	}
	if !res.Feedback.IsZero() {
		entry = entry.WithField("feedback", res.Feedback.String())
	}

	if res.Outcome == OutcomeError {
		entry.WithError(res.Err).Error("Recognition failed")
		return
	}
	entry.Info("Recognition complete")
}
