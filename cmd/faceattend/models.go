package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceattend/pkg/logging"
)

type modelFile struct {
	Name string
	URL  string
}

var dlibModels = []modelFile{
	{
		Name: "shape_predictor_5_face_landmarks.dat",
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: "dlib_face_recognition_resnet_model_v1.dat",
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: "mmod_human_face_detector.dat",
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the dlib recognition models",
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download [dir]",
	Short: "Download the dlib models",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runModelsDownload,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsDownloadCmd)
}

func runModelsDownload(cmd *cobra.Command, args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}

	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	for _, model := range dlibModels {
		targetPath := filepath.Join(modelDir, model.Name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", model.Name)
			continue
		}

		logging.Infof("Downloading %s...", model.Name)
		if err := downloadAndExtract(cmd.Context(), model, targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", model.Name, err)
		}
		logging.Infof("Successfully downloaded %s", model.Name)
	}

	logging.Info("All models downloaded successfully")
	return nil
}

// downloadAndExtract streams the bzip2 archive into a temporary file and
// renames it into place, so an interrupted download never looks complete.
func downloadAndExtract(ctx context.Context, model modelFile, targetPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, model.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	defer func() { _ = os.Remove(tmp) }()

	bar := progressbar.DefaultBytes(resp.ContentLength, model.Name)
	body := io.TeeReader(resp.Body, bar)

	if _, err := io.Copy(out, bzip2.NewReader(body)); err != nil {
		_ = out.Close()
		return err
	}
	_ = bar.Finish()
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, targetPath)
}
