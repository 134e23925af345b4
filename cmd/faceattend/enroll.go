package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/enrollment"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/storage"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
	"github.com/MrCodeEU/faceattend/pkg/tts"
)

// galleryModel identifies the embedding model recorded in the gallery.
const galleryModel = "dlib_face_recognition_resnet_model_v1"

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build the gallery from a dataset directory",
	Long: `Enroll every identity found in the dataset directory.

The dataset holds one sub-directory per person, named after them, with one
or more face photos (jpg, jpeg or png). An optional CSV roster with a name
column, and optional organization and category columns, adds metadata.

Enrollment rewrites the gallery, adds new roster entries, allocates success
tracks for new names and synthesizes any missing audio. It is safe to re-run
after adding people; a running server picks the changes up on reload.`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("dataset", "", "Dataset directory (overrides config)")
	enrollCmd.Flags().String("roster", "", "Roster CSV file (overrides config)")
	enrollCmd.Flags().Bool("no-audio", false, "Skip speech synthesis")
	enrollCmd.Flags().Bool("quiet", false, "Hide the progress bar")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	datasetDir := cfg.Enrollment.DatasetDir
	if v, _ := cmd.Flags().GetString("dataset"); v != "" {
		datasetDir = v
	}
	rosterFile := cfg.Enrollment.RosterFile
	if v, _ := cmd.Flags().GetString("roster"); v != "" {
		rosterFile = v
	} else if _, err := os.Stat(rosterFile); err != nil {
		logging.Warnf("Roster file %s not found, identities come from the dataset only", rosterFile)
		rosterFile = ""
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
	store, err := attendance.Open(cfg.Attendance.DatabasePath, loc)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry, err := tracks.Open(cfg.TracksDir())
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	files, err := artifacts.Open(cfg.Artifacts)
	if err != nil {
		return err
	}

	var synth tts.Synthesizer = tts.Disabled{}
	if noAudio, _ := cmd.Flags().GetBool("no-audio"); !noAudio {
		if synth, err = tts.New(cfg.TTS); err != nil {
			return err
		}
	}

	var progress io.Writer = os.Stderr
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		progress = nil
	}

	sum, err := enrollment.Run(ctx, enrollment.Options{
		DatasetDir:        datasetDir,
		RosterFile:        rosterFile,
		Embedder:          recognizer,
		Gallery:           gallery,
		Store:             store,
		Tracks:            registry,
		Artifacts:         files,
		Synth:             synth,
		Feedback:          cfg.Feedback,
		Model:             galleryModel,
		MaxFrameDimension: cfg.Recognition.MaxFrameDimension,
		Progress:          progress,
	})
	if err != nil {
		return err
	}

	printSummary(sum)
	return nil
}

func printSummary(sum *enrollment.Summary) {
	fmt.Println()
	fmt.Println("Enrollment complete")
	fmt.Println("===================")
	fmt.Printf("  Identities:       %d\n", sum.Identities)
	fmt.Printf("  Samples:          %d\n", sum.Samples)
	fmt.Printf("  Skipped images:   %d\n", len(sum.Skipped))
	fmt.Printf("  New roster rows:  %d\n", sum.Inserted)
	fmt.Printf("  New tracks:       %d (mapping version %d)\n", len(sum.NewTracks), sum.TrackVersion)
	fmt.Printf("  Audio generated:  %d success, %d static\n", sum.AudioGenerated, sum.StaticGenerated)
	fmt.Printf("  Took:             %s\n", sum.Duration.Round(time.Millisecond))

	if len(sum.NewTracks) > 0 {
		names := make([]string, 0, len(sum.NewTracks))
		for name := range sum.NewTracks {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("\nNew tracks:")
		for _, name := range names {
			fmt.Printf("  %s  %s\n", sum.NewTracks[name], name)
		}
	}
	if len(sum.WithoutImages) > 0 {
		fmt.Printf("\nRoster entries without images: %s\n", strings.Join(sum.WithoutImages, ", "))
	}
	if len(sum.AudioFailed) > 0 {
		fmt.Printf("\nAudio failed for: %s\n", strings.Join(sum.AudioFailed, ", "))
		fmt.Println("Re-run enrollment to retry.")
	}
}
