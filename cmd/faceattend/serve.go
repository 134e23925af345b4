package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/feedback"
	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/pipeline"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/server"
	"github.com/MrCodeEU/faceattend/pkg/storage"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
	"github.com/MrCodeEU/faceattend/pkg/tts"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition server",
	Long: `Start the HTTP recognition server.

The server refuses to start without the dlib models and an enrolled
gallery. Send SIGHUP or POST /api/v1/admin/reload after re-running
enrollment to pick up new identities without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
}

func indexOptions() []index.Option {
	return []index.Option{
		index.WithThreshold(cfg.Recognition.Threshold),
		index.WithExactScanLimit(cfg.Recognition.ExactScanLimit),
		index.WithCandidates(cfg.Recognition.Candidates),
	}
}

// recognitionData is everything a reload swaps in.
type recognitionData struct {
	index   *index.Index
	gallery *storage.Gallery
	tracks  tracks.Snapshot
}

func loadRecognitionData(gallery *storage.FileStorage) (*recognitionData, error) {
	if !gallery.Exists() {
		return nil, fmt.Errorf("no gallery at %s, run 'faceattend enroll' first: %w", gallery.Path(), storage.ErrGalleryNotFound)
	}
	ix, g, err := gallery.LoadIndex(indexOptions()...)
	if err != nil {
		return nil, err
	}
	snap, err := tracks.LoadSnapshot(cfg.TracksDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load track registry: %w", err)
	}
	return &recognitionData{index: ix, gallery: g, tracks: snap}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Component("serve")

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	recognizer := recognition.NewRecognizer()
	if err := recognizer.LoadModels(cfg.Recognition.ModelPath); err != nil {
		return fmt.Errorf("%w (run 'faceattend models download')", err)
	}
	defer func() { _ = recognizer.Close() }()

	gallery, err := storage.NewFileStorage(cfg.GalleryPath(), cfg.Storage.EncryptionEnabled)
	if err != nil {
		return err
	}
	data, err := loadRecognitionData(gallery)
	if err != nil {
		return err
	}

	store, err := attendance.Open(cfg.Attendance.DatabasePath, loc)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := attendance.NewState(store, loc)
	if err := state.Refresh(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to load attendance state: %w", err)
	}

	files, err := artifacts.Open(cfg.Artifacts)
	if err != nil {
		return err
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return err
	}
	if _, disabled := synth.(tts.Disabled); disabled {
		log.Warn("Text-to-speech disabled, duplicate feedback uses the static track")
	}

	resolver := feedback.NewResolver(cfg.Feedback, synth, files, data.tracks)
	holder := index.NewHolder(data.index)

	p, err := pipeline.New(pipeline.Options{
		Embedder:          recognizer,
		Index:             holder,
		State:             state,
		Store:             store,
		Artifacts:         files,
		Feedback:          resolver,
		MaxFrameDimension: cfg.Recognition.MaxFrameDimension,
		Location:          loc,
	})
	if err != nil {
		return err
	}

	var current atomic.Pointer[storage.Gallery]
	current.Store(data.gallery)
	warnMissingTracks(resolver, data.gallery)

	reload := func(ctx context.Context) error {
		next, err := loadRecognitionData(gallery)
		if err != nil {
			return err
		}
		if err := p.Reload(ctx, next.index, next.tracks); err != nil {
			return err
		}
		current.Store(next.gallery)
		warnMissingTracks(resolver, next.gallery)
		if n := resolver.Sweep(ctx); n > 0 {
			log.Infof("Removed %d expired duplicate messages", n)
		}
		return nil
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Recognizer: p,
		Reporter:   store,
		Artifacts:  files,
		Reload:     reload,
		Health: func() server.Health {
			g := current.Load()
			return server.Health{
				Identities:   len(g.Names()),
				Samples:      len(g.Samples),
				TrackVersion: resolver.TrackVersion(),
			}
		},
	})
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				if err := reload(ctx); err != nil {
					log.WithError(err).Error("Reload failed, keeping current data")
				}
				continue
			}

			log.Info("Shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Error during shutdown")
			}
			shutdownCancel()
			return
		}
	}()

	log.WithFields(logging.Fields{
		"identities": len(data.gallery.Names()),
		"samples":    len(data.gallery.Samples),
		"roster":     len(state.Roster()),
		"attended":   len(state.AttendedToday()),
		"timezone":   loc.String(),
	}).Infof("faceattend listening on http://%s", cfg.Addr())

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

func warnMissingTracks(resolver *feedback.Resolver, g *storage.Gallery) {
	missing := resolver.MissingTracks(g.Names())
	if len(missing) == 0 {
		return
	}
	logging.Component("serve").WithField("names", missing).
		Warn("Identities without a success track, re-run enrollment to generate them")
}
