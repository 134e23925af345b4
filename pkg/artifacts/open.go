package artifacts

import (
	"fmt"
	"mime"
	"path"

	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// Open returns the FileStore selected by cfg.Backend.
func Open(cfg config.ArtifactsConfig) (FileStore, error) {
	switch cfg.Backend {
	case "", "local":
		logging.Component("artifacts").Infof("Using local artifact store at %s", cfg.Dir)
		return NewLocal(cfg.Dir)
	case "s3":
		logging.Component("artifacts").Infof("Using S3 artifact store s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
		return NewS3(NewS3Client(cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// ContentType guesses the MIME type of key from its extension.
func ContentType(key string) string {
	switch path.Ext(key) {
	case ".mp3":
		return "audio/mpeg"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}
