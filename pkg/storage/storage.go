// Package storage persists the enrollment gallery.
// The gallery is msgpack-encoded and, when enabled, sealed at rest with NaCl secretbox.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32

	// GalleryVersion is the current on-disk gallery format.
	GalleryVersion = 1
)

// Gallery is the set of enrolled embedding samples written by enrollment.
type Gallery struct {
	Version   int            `msgpack:"version"`
	Model     string         `msgpack:"model"`
	Dimension int            `msgpack:"dimension"`
	CreatedAt time.Time      `msgpack:"created_at"`
	Samples   []index.Sample `msgpack:"samples"`
}

// SampleCounts returns the number of samples per identity.
func (g *Gallery) SampleCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range g.Samples {
		counts[s.Name]++
	}
	return counts
}

// Names returns the distinct identity names, sorted.
func (g *Gallery) Names() []string {
	counts := g.SampleCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrGalleryNotFound is returned when no gallery has been written yet.
var ErrGalleryNotFound = errors.New("gallery not found")

// ErrUnsupportedVersion is returned for galleries written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported gallery version")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// FileStorage reads and writes the gallery file.
type FileStorage struct {
	path              string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewFileStorage creates a FileStorage for the gallery at path.
func NewFileStorage(path string, encryptionEnabled bool) (*FileStorage, error) {
	fs := &FileStorage{
		path:              path,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fs.encryptionKey = key
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create gallery directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted gallery to this specific machine.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte

	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("faceattend-gallery-v1")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

// Path returns the gallery file path.
func (fs *FileStorage) Path() string {
	return fs.path
}

// Exists reports whether a gallery file is present.
func (fs *FileStorage) Exists() bool {
	_, err := os.Stat(fs.path)
	return err == nil
}

// SaveGallery replaces the gallery file. The write goes to a temporary file
// first so a reader never sees a partial gallery.
func (fs *FileStorage) SaveGallery(g Gallery) error {
	if g.Version == 0 {
		g.Version = GalleryVersion
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.Dimension == 0 && len(g.Samples) > 0 {
		g.Dimension = len(g.Samples[0].Vector)
	}

	data, err := msgpack.Marshal(&g)
	if err != nil {
		return fmt.Errorf("failed to marshal gallery: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt gallery: %w", err)
		}
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write gallery: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace gallery: %w", err)
	}

	logging.Debugf("Saved gallery with %d samples to %s", len(g.Samples), fs.path)
	return nil
}

// LoadGallery reads the gallery file.
func (fs *FileStorage) LoadGallery() (*Gallery, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrGalleryNotFound
		}
		return nil, fmt.Errorf("failed to read gallery: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt gallery: %w", err)
		}
	}

	var g Gallery
	if err := msgpack.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gallery: %w", err)
	}
	if g.Version > GalleryVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, g.Version)
	}

	logging.Debugf("Loaded gallery with %d samples from %s", len(g.Samples), fs.path)
	return &g, nil
}

// LoadIndex loads the gallery and builds a classifier from it.
func (fs *FileStorage) LoadIndex(opts ...index.Option) (*index.Index, *Gallery, error) {
	g, err := fs.LoadGallery()
	if err != nil {
		return nil, nil, err
	}
	ix, err := index.Build(g.Samples, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build index from gallery: %w", err)
	}
	return ix, g, nil
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}
