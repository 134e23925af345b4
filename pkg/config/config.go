// Package config provides configuration management for faceattend.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings. Secrets are expected
// to arrive this way rather than through the YAML file.
const (
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvS3AccessKey    = "FACEATTEND_S3_ACCESS_KEY_ID"
	EnvS3SecretKey    = "FACEATTEND_S3_SECRET_ACCESS_KEY"
	EnvDatabasePath   = "FACEATTEND_DB_PATH"
	EnvLogLevel       = "FACEATTEND_LOG_LEVEL"
	EnvArtifactBucket = "FACEATTEND_S3_BUCKET"
)

// Config holds all faceattend configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Storage     StorageConfig     `yaml:"storage"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	TTS         TTSConfig         `yaml:"tts"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	MaxUploadMB    int    `yaml:"max_upload_mb"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	ModelPath string `yaml:"model_path"`
	// Threshold is the maximum cosine distance still accepted as a match.
	Threshold         float64 `yaml:"threshold"`
	MaxFrameDimension int     `yaml:"max_frame_dimension"`
	ExactScanLimit    int     `yaml:"exact_scan_limit"`
	Candidates        int     `yaml:"candidates"`
}

// AttendanceConfig holds attendance log settings.
type AttendanceConfig struct {
	Timezone     string `yaml:"timezone"`
	DatabasePath string `yaml:"database_path"`
}

// StorageConfig holds settings for enrollment data kept on local disk.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// ArtifactsConfig selects where captured frames and audio are written.
type ArtifactsConfig struct {
	Backend string   `yaml:"backend"` // "local" or "s3"
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object store settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// FeedbackConfig holds the static track ids and message templates.
type FeedbackConfig struct {
	DuplicateTrack    string `yaml:"duplicate_track"`
	NoFaceTrack       string `yaml:"no_face_track"`
	UnrecognizedTrack string `yaml:"unrecognized_track"`

	DuplicateMessage    string `yaml:"duplicate_message"`
	NoFaceMessage       string `yaml:"no_face_message"`
	UnrecognizedMessage string `yaml:"unrecognized_message"`
	// DuplicateTemplate and SuccessTemplate take the identity name as %s.
	DuplicateTemplate string `yaml:"duplicate_template"`
	SuccessTemplate   string `yaml:"success_template"`
	// DuplicateRetention is how long synthesized duplicate messages are
	// kept, in seconds. 0 keeps them forever.
	DuplicateRetention int `yaml:"duplicate_retention"`
}

// TTSConfig holds text-to-speech provider settings.
type TTSConfig struct {
	Provider string `yaml:"provider"` // "openai" or "none"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// EnrollmentConfig holds the dataset layout used by the enroll command.
type EnrollmentConfig struct {
	DatasetDir string `yaml:"dataset_dir"`
	RosterFile string `yaml:"roster_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceattend")
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			RequestTimeout: 30,
			MaxUploadMB:    10,
		},
		Recognition: RecognitionConfig{
			ModelPath:         filepath.Join(dataDir, "models"),
			Threshold:         0.5,
			MaxFrameDimension: 1280,
			ExactScanLimit:    512,
			Candidates:        10,
		},
		Attendance: AttendanceConfig{
			Timezone:     "Asia/Jakarta",
			DatabasePath: filepath.Join(dataDir, "attendance.db"),
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			EncryptionEnabled: true,
		},
		Artifacts: ArtifactsConfig{
			Backend: "local",
			Dir:     filepath.Join(dataDir, "artifacts"),
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Feedback: FeedbackConfig{
			DuplicateTrack:      "S001",
			NoFaceTrack:         "S002",
			UnrecognizedTrack:   "S003",
			DuplicateMessage:    "Anda Sudah Melakukan Absensi Hari Ini",
			NoFaceMessage:       "Wajah Tidak Terdeteksi, Silahkan Coba Lagi",
			UnrecognizedMessage: "Data Wajah Anda Tidak Ditemukan Di Sistem",
			DuplicateTemplate:   "Anda Sudah Melakukan Absensi Hari Ini, %s",
			SuccessTemplate:     "Absensi Berhasil, Selamat datang %s",
			DuplicateRetention:  600,
		},
		TTS: TTSConfig{
			Provider: "openai",
			Model:    "tts-1",
			Voice:    "alloy",
			Timeout:  20,
		},
		Enrollment: EnrollmentConfig{
			DatasetDir: filepath.Join(dataDir, "dataset"),
			RosterFile: filepath.Join(dataDir, "roster.csv"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "faceattend.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/faceattend/faceattend.yaml"); err == nil {
		return Load("/etc/faceattend/faceattend.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/faceattend/faceattend.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overrides settings from the environment. Empty variables are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.TTS.APIKey = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		c.Artifacts.S3.AccessKeyID = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Artifacts.S3.SecretAccessKey = v
	}
	if v := os.Getenv(EnvArtifactBucket); v != "" {
		c.Artifacts.S3.Bucket = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Attendance.DatabasePath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %d", c.Server.RequestTimeout)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}

	// Cosine distance lives in [0, 2].
	if c.Recognition.Threshold <= 0 || c.Recognition.Threshold > 2 {
		return fmt.Errorf("threshold must be in (0, 2], got %f", c.Recognition.Threshold)
	}
	if c.Recognition.MaxFrameDimension <= 0 {
		return fmt.Errorf("max_frame_dimension must be positive, got %d", c.Recognition.MaxFrameDimension)
	}
	if c.Recognition.Candidates <= 0 {
		return fmt.Errorf("candidates must be positive, got %d", c.Recognition.Candidates)
	}
	if c.Recognition.ExactScanLimit < 0 {
		return fmt.Errorf("exact_scan_limit must not be negative, got %d", c.Recognition.ExactScanLimit)
	}

	if _, err := time.LoadLocation(c.Attendance.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Attendance.Timezone, err)
	}
	if c.Attendance.DatabasePath == "" {
		return fmt.Errorf("database_path must be set")
	}

	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir must be set for the local backend")
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid artifacts backend: %s (must be local or s3)", c.Artifacts.Backend)
	}

	if c.Feedback.DuplicateTrack == "" || c.Feedback.NoFaceTrack == "" || c.Feedback.UnrecognizedTrack == "" {
		return fmt.Errorf("static feedback track ids must not be empty")
	}
	if !strings.Contains(c.Feedback.DuplicateTemplate, "%s") {
		return fmt.Errorf("duplicate_template must contain %%s")
	}
	if !strings.Contains(c.Feedback.SuccessTemplate, "%s") {
		return fmt.Errorf("success_template must contain %%s")
	}
	if c.Feedback.DuplicateRetention < 0 {
		return fmt.Errorf("duplicate_retention must not be negative, got %d", c.Feedback.DuplicateRetention)
	}

	switch c.TTS.Provider {
	case "openai", "none":
	default:
		return fmt.Errorf("invalid tts provider: %s (must be openai or none)", c.TTS.Provider)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// Location returns the civil timezone used for "today".
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Attendance.Timezone)
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Attendance.DatabasePath = ExpandPath(c.Attendance.DatabasePath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Artifacts.Dir = ExpandPath(c.Artifacts.Dir)
	c.Enrollment.DatasetDir = ExpandPath(c.Enrollment.DatasetDir)
	c.Enrollment.RosterFile = ExpandPath(c.Enrollment.RosterFile)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage and logging.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.Attendance.DatabasePath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	if c.Artifacts.Backend == "local" {
		if err := os.MkdirAll(c.Artifacts.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create artifacts directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// GalleryPath returns the path of the enrollment gallery file.
func (c *Config) GalleryPath() string {
	name := "gallery.msgpack"
	if c.Storage.EncryptionEnabled {
		name = "gallery.enc"
	}
	return filepath.Join(c.Storage.DataDir, name)
}

// TracksDir returns the directory of the track registry database.
func (c *Config) TracksDir() string {
	return filepath.Join(c.Storage.DataDir, "tracks")
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
