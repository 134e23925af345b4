package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "faceattend",
	Short: "Face recognition daily attendance",
	Long: `faceattend recognizes faces from camera frames, records at most one
attendance event per person per day and answers with audio feedback.

Configuration is read from --config, /etc/faceattend/faceattend.yaml or
~/.config/faceattend/faceattend.yaml. Secrets come from the environment
or a .env file in the working directory.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command.
func Execute() {
	defer func() { _ = logging.Close() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func initEnv() {
	// .env file is optional
	_ = godotenv.Load()
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	cfg.ApplyEnv()
	cfg.ExpandPaths()
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetFormat(cfg.Logging.Format)
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("faceattend %s starting", Version)
	logging.Debugf("Config loaded, data dir: %s", cfg.Storage.DataDir)
	return nil
}
