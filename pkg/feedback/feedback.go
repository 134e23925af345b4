// Package feedback maps recognition outcomes to the audio the kiosk plays.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
	"github.com/MrCodeEU/faceattend/pkg/tts"
)

// ErrMissingTrack is returned when an identity has no success track.
var ErrMissingTrack = errors.New("no feedback track for identity")

// Reference points at the audio to play: a pre-generated track or a
// transient artifact.
type Reference struct {
	Track    string `json:"track,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// IsZero reports whether r points at nothing.
func (r Reference) IsZero() bool {
	return r.Track == "" && r.Artifact == ""
}

func (r Reference) String() string {
	if r.Track != "" {
		return "track:" + r.Track
	}
	if r.Artifact != "" {
		return "artifact:" + r.Artifact
	}
	return "none"
}

// Resolver resolves feedback references. It is safe for concurrent use.
type Resolver struct {
	cfg   config.FeedbackConfig
	synth tts.Synthesizer
	store artifacts.FileStore

	mu     sync.RWMutex
	tracks tracks.Snapshot

	// Duplicate artifacts written by this process, oldest first.
	pendingMu sync.Mutex
	pending   []written
	retention time.Duration

	newID func() string
	now   func() time.Time
}

type written struct {
	key string
	at  time.Time
}

// NewResolver creates a Resolver. synth may be tts.Disabled, in which case
// duplicates always use the static fallback track.
func NewResolver(cfg config.FeedbackConfig, synth tts.Synthesizer, store artifacts.FileStore, snap tracks.Snapshot) *Resolver {
	if synth == nil {
		synth = tts.Disabled{}
	}
	return &Resolver{
		cfg:       cfg,
		synth:     synth,
		store:     store,
		tracks:    snap,
		retention: time.Duration(cfg.DuplicateRetention) * time.Second,
		newID:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// NoFace returns the static no-face track.
func (r *Resolver) NoFace() Reference {
	return Reference{Track: r.cfg.NoFaceTrack}
}

// Unrecognized returns the static not-found track.
func (r *Resolver) Unrecognized() Reference {
	return Reference{Track: r.cfg.UnrecognizedTrack}
}

// Success returns the pre-generated track for name.
func (r *Resolver) Success(name string) (Reference, error) {
	r.mu.RLock()
	id, ok := r.tracks.Lookup(name)
	r.mu.RUnlock()
	if !ok {
		return Reference{}, fmt.Errorf("%w: %s", ErrMissingTrack, name)
	}
	return Reference{Track: id}, nil
}

// Duplicate synthesizes a personalised "already attended" message and
// stores it as a transient artifact. Any failure falls back to the static
// duplicate track, so Duplicate always returns a playable reference.
func (r *Resolver) Duplicate(ctx context.Context, name string) Reference {
	log := logging.Component("feedback").WithField("identity", name)
	start := time.Now()

	audio, err := r.synth.Synthesize(ctx, fmt.Sprintf(r.cfg.DuplicateTemplate, name))
	if err != nil {
		if !errors.Is(err, tts.ErrDisabled) {
			log.WithError(err).Warn("Duplicate message synthesis failed, using static track")
		}
		return r.duplicateFallback()
	}

	key := "feedback/duplicate-" + r.newID() + ".mp3"
	if err := artifacts.WriteAll(ctx, r.store, key, audio); err != nil {
		log.WithError(err).Warn("Storing duplicate message failed, using static track")
		return r.duplicateFallback()
	}

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Debug("Synthesized duplicate message")
	r.track(key)
	r.Sweep(context.WithoutCancel(ctx))
	return Reference{Artifact: key}
}

func (r *Resolver) track(key string) {
	if r.retention <= 0 {
		return
	}
	r.pendingMu.Lock()
	r.pending = append(r.pending, written{key: key, at: r.now()})
	r.pendingMu.Unlock()
}

// Sweep deletes duplicate messages older than the configured retention and
// returns how many were removed. Keys that fail to delete are retried on
// the next sweep.
func (r *Resolver) Sweep(ctx context.Context) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.retention)

	r.pendingMu.Lock()
	n := 0
	for n < len(r.pending) && r.pending[n].at.Before(cutoff) {
		n++
	}
	expired := make([]written, n)
	copy(expired, r.pending[:n])
	r.pending = r.pending[n:]
	r.pendingMu.Unlock()

	removed := 0
	var failed []written
	for _, w := range expired {
		if err := r.store.Delete(ctx, w.key); err != nil {
			logging.Component("feedback").WithError(err).WithField("key", w.key).
				Warn("Failed to delete expired duplicate message")
			failed = append(failed, w)
			continue
		}
		removed++
	}
	if len(failed) > 0 {
		r.pendingMu.Lock()
		r.pending = append(failed, r.pending...)
		r.pendingMu.Unlock()
	}
	return removed
}

func (r *Resolver) duplicateFallback() Reference {
	return Reference{Track: r.cfg.DuplicateTrack}
}

// SetTracks replaces the track mapping, e.g. after enrollment.
func (r *Resolver) SetTracks(snap tracks.Snapshot) {
	r.mu.Lock()
	r.tracks = snap
	r.mu.Unlock()
}

// TrackVersion returns the version of the loaded mapping.
func (r *Resolver) TrackVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks.Version
}

// MissingTracks returns the names without a success track.
func (r *Resolver) MissingTracks(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return tracks.Missing(r.tracks, names)
}

// StaticTracks returns the reserved track ids with the message each one speaks.
func StaticTracks(cfg config.FeedbackConfig) map[string]string {
	return map[string]string{
		cfg.DuplicateTrack:    cfg.DuplicateMessage,
		cfg.NoFaceTrack:       cfg.NoFaceMessage,
		cfg.UnrecognizedTrack: cfg.UnrecognizedMessage,
	}
}
