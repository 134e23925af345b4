// Package enrollment builds the recognition gallery, the identity roster and
// the per-identity audio tracks from a directory of sample photos.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/feedback"
	"github.com/MrCodeEU/faceattend/pkg/frame"
	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/storage"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
	"github.com/MrCodeEU/faceattend/pkg/tts"
)

// ErrNoSamples is returned when no image in the dataset yielded a face.
var ErrNoSamples = errors.New("no usable face samples in dataset")

// GalleryWriter persists the gallery.
type GalleryWriter interface {
	SaveGallery(g storage.Gallery) error
}

// RosterStore receives new roster entries.
type RosterStore interface {
	ReconcileRoster(ctx context.Context, roster []attendance.Identity) (int, error)
}

// TrackAssigner allocates success tracks.
type TrackAssigner interface {
	Assign(names []string) (map[string]string, error)
	Snapshot() (tracks.Snapshot, error)
}

// Options holds enrollment inputs and collaborators.
type Options struct {
	DatasetDir string
	// RosterFile is optional. Without it identities come from the dataset
	// directory names with empty organization and category.
	RosterFile string

	Embedder  recognition.Embedder
	Gallery   GalleryWriter
	Store     RosterStore
	Tracks    TrackAssigner
	Artifacts artifacts.FileStore
	Synth     tts.Synthesizer
	Feedback  config.FeedbackConfig

	Model             string
	MaxFrameDimension int
	// Progress receives the progress bar; nil hides it.
	Progress io.Writer
}

// Summary reports what an enrollment run did.
type Summary struct {
	Identities int
	Samples    int
	Skipped    []string
	// WithoutImages lists roster names that have no sample images.
	WithoutImages []string
	// Inserted is the number of new roster rows.
	Inserted        int
	NewTracks       map[string]string
	TrackVersion    uint64
	AudioGenerated  int
	AudioFailed     []string
	StaticGenerated int
	Duration        time.Duration
}

// Run performs a full enrollment. It is safe to re-run on a grown dataset:
// the roster and track mapping only ever gain entries.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	log := logging.Component("enrollment")
	sum := &Summary{}

	ds, err := ScanDataset(opts.DatasetDir)
	if err != nil {
		return nil, err
	}

	var roster []attendance.Identity
	if opts.RosterFile != "" {
		roster, err = LoadRoster(opts.RosterFile)
		if err != nil {
			return nil, err
		}
	}
	roster, sum.WithoutImages = mergeRoster(roster, ds)
	for _, n := range sum.WithoutImages {
		log.Warnf("Roster entry %q has no sample images and will not be recognised", n)
	}

	samples, skipped, err := embedDataset(ctx, opts, ds)
	if err != nil {
		return nil, err
	}
	sum.Skipped = skipped
	sum.Samples = len(samples)
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	// Building the index validates dimensions before anything is written.
	ix, err := index.Build(samples)
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	sum.Identities = len(ix.Labels())

	if err := opts.Gallery.SaveGallery(storage.Gallery{
		Model:     opts.Model,
		Dimension: ix.Dimension(),
		CreatedAt: time.Now(),
		Samples:   samples,
	}); err != nil {
		return nil, fmt.Errorf("failed to save gallery: %w", err)
	}
	log.Infof("Saved gallery with %d samples for %d identities", sum.Samples, sum.Identities)

	sum.Inserted, err = opts.Store.ReconcileRoster(ctx, roster)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile roster: %w", err)
	}
	log.Infof("Roster reconciled, %d new identities", sum.Inserted)

	names := make([]string, 0, len(roster))
	for _, id := range roster {
		names = append(names, id.Name)
	}
	sum.NewTracks, err = opts.Tracks.Assign(names)
	if err != nil {
		return nil, err
	}
	snap, err := opts.Tracks.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read track mapping: %w", err)
	}
	sum.TrackVersion = snap.Version

	synth := opts.Synth
	if synth == nil {
		synth = tts.Disabled{}
	}
	if _, disabled := synth.(tts.Disabled); disabled {
		log.Warn("Speech synthesis is disabled, track audio is not generated")
	} else {
		sum.StaticGenerated = generateStatic(ctx, opts, synth)
		sum.AudioGenerated, sum.AudioFailed = generateSuccess(ctx, opts, synth, snap)
	}

	sum.Duration = time.Since(start)
	return sum, nil
}

// mergeRoster adds dataset names missing from the roster and reports roster
// names without images.
func mergeRoster(roster []attendance.Identity, ds Dataset) ([]attendance.Identity, []string) {
	inRoster := make(map[string]bool, len(roster))
	var withoutImages []string
	for _, id := range roster {
		inRoster[id.Name] = true
		if len(ds[id.Name]) == 0 {
			withoutImages = append(withoutImages, id.Name)
		}
	}
	for _, n := range ds.Names() {
		if !inRoster[n] {
			roster = append(roster, attendance.Identity{Name: n})
		}
	}
	return roster, withoutImages
}

func embedDataset(ctx context.Context, opts Options, ds Dataset) ([]index.Sample, []string, error) {
	log := logging.Component("enrollment")

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(ds.Images(),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("Embedding faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(ds.Images()))
	}
	defer bar.Finish()

	var samples []index.Sample
	var skipped []string
	for _, name := range ds.Names() {
		for _, path := range ds[name] {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}

			vec, err := embedFile(ctx, opts, path)
			bar.Add(1)
			if err != nil {
				if errors.Is(err, recognition.ErrNoFaceDetected) || errors.Is(err, frame.ErrInvalidImage) {
					log.Warnf("Skipping %s: %v", path, err)
					skipped = append(skipped, path)
					continue
				}
				return nil, nil, fmt.Errorf("failed to embed %s: %w", path, err)
			}
			samples = append(samples, index.Sample{Name: name, Vector: vec})
		}
	}
	return samples, skipped, nil
}

func embedFile(ctx context.Context, opts Options, path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := frame.Normalize(raw, opts.MaxFrameDimension)
	if err != nil {
		return nil, err
	}
	return opts.Embedder.Embed(ctx, data)
}

// generateStatic synthesizes the reserved tracks whose audio is missing.
func generateStatic(ctx context.Context, opts Options, synth tts.Synthesizer) int {
	log := logging.Component("enrollment")

	static := feedback.StaticTracks(opts.Feedback)
	ids := make([]string, 0, len(static))
	for id := range static {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	generated := 0
	for _, id := range ids {
		ok, err := writeTrack(ctx, opts.Artifacts, synth, id, static[id])
		if err != nil {
			log.WithError(err).Errorf("Failed to generate static track %s", id)
			continue
		}
		if ok {
			generated++
		}
	}
	return generated
}

// generateSuccess synthesizes success audio for every mapped name whose
// audio is missing, which also retries earlier failures.
func generateSuccess(ctx context.Context, opts Options, synth tts.Synthesizer, snap tracks.Snapshot) (int, []string) {
	log := logging.Component("enrollment")

	names := make([]string, 0, len(snap.Tracks))
	for n := range snap.Tracks {
		names = append(names, n)
	}
	sort.Strings(names)

	generated := 0
	var failed []string
	for _, name := range names {
		id := snap.Tracks[name]
		ok, err := writeTrack(ctx, opts.Artifacts, synth, id, fmt.Sprintf(opts.Feedback.SuccessTemplate, name))
		if err != nil {
			log.WithError(err).WithField("identity", name).Errorf("Failed to generate track %s", id)
			failed = append(failed, name)
			continue
		}
		if ok {
			generated++
		}
	}
	return generated, failed
}

// writeTrack synthesizes text into the audio file of track id unless it
// already exists. It reports whether audio was written.
func writeTrack(ctx context.Context, store artifacts.FileStore, synth tts.Synthesizer, id, text string) (bool, error) {
	key := tracks.AudioKey(id)
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	audio, err := synth.Synthesize(ctx, text)
	if err != nil {
		return false, err
	}
	if err := artifacts.WriteAll(ctx, store, key, audio); err != nil {
		return false, err
	}
	logging.Component("enrollment").Debugf("Generated track %s", id)
	return true, nil
}
