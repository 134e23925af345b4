// Package artifacts stores captured frames and generated audio behind a
// small file-store interface, on local disk or an S3-compatible bucket.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Keys are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading. Missing keys return an error
	// wrapping os.ErrNotExist.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Write opens the named file for writing, truncating any existing one.
	// The caller must close the writer to flush data.
	Write(ctx context.Context, key string) (io.WriteCloser, error)

	// Delete removes the named file. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrInvalidKey is returned for keys that are empty, absolute or escape the root.
var ErrInvalidKey = errors.New("invalid artifact key")

// ValidateKey checks that key is a clean relative slash path.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Putter is implemented by stores that upload a whole byte slice in one
// request.
type Putter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// WriteAll writes data to key and closes the writer. Stores implementing
// Putter receive the slice directly.
func WriteAll(ctx context.Context, fs FileStore, key string, data []byte) error {
	if p, ok := fs.(Putter); ok {
		return p.Put(ctx, key, data)
	}
	w, err := fs.Write(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadAll returns the full content of key.
func ReadAll(ctx context.Context, fs FileStore, key string) ([]byte, error) {
	r, err := fs.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
