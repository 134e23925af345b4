package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/vmihailenco/msgpack/v5"
)

func createTestSamples() []index.Sample {
	return []index.Sample{
		{Name: "Ana", Vector: []float32{1, 0, 0}},
		{Name: "Ana", Vector: []float32{0.9, 0.1, 0}},
		{Name: "Budi", Vector: []float32{0, 1, 0}},
	}
}

func TestNewFileStorage(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name       string
		path       string
		encryption bool
	}{
		{"without encryption", filepath.Join(tmpDir, "plain", "gallery.msgpack"), false},
		{"with encryption", filepath.Join(tmpDir, "sealed", "gallery.enc"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := NewFileStorage(tt.path, tt.encryption)
			if err != nil {
				t.Fatalf("NewFileStorage() error = %v", err)
			}
			if fs.Path() != tt.path {
				t.Errorf("Path() = %s, want %s", fs.Path(), tt.path)
			}
			if _, err := os.Stat(filepath.Dir(tt.path)); os.IsNotExist(err) {
				t.Error("gallery directory was not created")
			}
			if fs.Exists() {
				t.Error("fresh storage must not report a gallery")
			}
		})
	}
}

func TestFileStorage_SaveAndLoadGallery(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gallery.bin")
			fs, err := NewFileStorage(path, encrypted)
			if err != nil {
				t.Fatalf("failed to create storage: %v", err)
			}

			created := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
			err = fs.SaveGallery(Gallery{
				Model:     "dlib_face_recognition_resnet_model_v1",
				CreatedAt: created,
				Samples:   createTestSamples(),
			})
			if err != nil {
				t.Fatalf("SaveGallery failed: %v", err)
			}
			if !fs.Exists() {
				t.Error("expected gallery to exist after save")
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Error("temporary file left behind")
			}

			loaded, err := fs.LoadGallery()
			if err != nil {
				t.Fatalf("LoadGallery failed: %v", err)
			}
			if loaded.Version != GalleryVersion {
				t.Errorf("version = %d, want %d", loaded.Version, GalleryVersion)
			}
			if loaded.Dimension != 3 {
				t.Errorf("dimension = %d, want 3", loaded.Dimension)
			}
			if !loaded.CreatedAt.Equal(created) {
				t.Errorf("created_at = %v, want %v", loaded.CreatedAt, created)
			}
			if len(loaded.Samples) != 3 {
				t.Fatalf("samples = %d, want 3", len(loaded.Samples))
			}
			if loaded.Samples[2].Name != "Budi" || loaded.Samples[2].Vector[1] != 1 {
				t.Errorf("sample not preserved: %+v", loaded.Samples[2])
			}
		})
	}
}

func TestFileStorage_EncryptedIsNotMsgpack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.enc")
	fs, err := NewFileStorage(path, true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := fs.SaveGallery(Gallery{Samples: createTestSamples()}); err != nil {
		t.Fatalf("SaveGallery failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read gallery: %v", err)
	}
	var g Gallery
	if err := msgpack.Unmarshal(raw, &g); err == nil && len(g.Samples) > 0 {
		t.Error("encrypted gallery decoded as plain msgpack")
	}
}

func TestFileStorage_LoadGallery_NotFound(t *testing.T) {
	fs, err := NewFileStorage(filepath.Join(t.TempDir(), "gallery.enc"), true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if _, err := fs.LoadGallery(); !errors.Is(err, ErrGalleryNotFound) {
		t.Errorf("expected ErrGalleryNotFound, got %v", err)
	}
}

func TestFileStorage_LoadGallery_Tampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.enc")
	fs, err := NewFileStorage(path, true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := fs.SaveGallery(Gallery{Samples: createTestSamples()}); err != nil {
		t.Fatalf("SaveGallery failed: %v", err)
	}

	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("failed to tamper: %v", err)
	}

	if _, err := fs.LoadGallery(); !errors.Is(err, ErrEncryption) {
		t.Errorf("expected ErrEncryption, got %v", err)
	}
}

func TestFileStorage_LoadGallery_FutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.msgpack")
	fs, err := NewFileStorage(path, false)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := fs.SaveGallery(Gallery{Version: GalleryVersion + 1, Samples: createTestSamples()}); err != nil {
		t.Fatalf("SaveGallery failed: %v", err)
	}

	if _, err := fs.LoadGallery(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestFileStorage_LoadIndex(t *testing.T) {
	fs, err := NewFileStorage(filepath.Join(t.TempDir(), "gallery.enc"), true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := fs.SaveGallery(Gallery{Samples: createTestSamples()}); err != nil {
		t.Fatalf("SaveGallery failed: %v", err)
	}

	ix, g, err := fs.LoadIndex(index.WithThreshold(0.3))
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	if ix.Len() != 3 || len(g.Samples) != 3 {
		t.Errorf("unexpected sizes: index %d, gallery %d", ix.Len(), len(g.Samples))
	}

	m, err := ix.Classify([]float32{0, 1, 0.01})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if m.Name != "Budi" {
		t.Errorf("expected Budi, got %s", m.Name)
	}
}

func TestGallery_Names(t *testing.T) {
	g := Gallery{Samples: createTestSamples()}

	names := g.Names()
	if len(names) != 2 || names[0] != "Ana" || names[1] != "Budi" {
		t.Errorf("Names() = %v", names)
	}
	if counts := g.SampleCounts(); counts["Ana"] != 2 || counts["Budi"] != 1 {
		t.Errorf("SampleCounts() = %v", counts)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	fs, err := NewFileStorage(filepath.Join(t.TempDir(), "g.enc"), true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	plaintext := []byte("attendance gallery payload")

	ciphertext, err := fs.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(ciphertext) <= NonceSize {
		t.Error("ciphertext too short")
	}

	decrypted, err := fs.decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("decrypted text doesn't match: got %s, want %s", decrypted, plaintext)
	}

	if _, err := fs.decrypt([]byte("short")); !errors.Is(err, ErrEncryption) {
		t.Errorf("expected ErrEncryption for short input, got %v", err)
	}
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	fs, _ := NewFileStorage(filepath.Join(b.TempDir(), "g.enc"), true)
	data := []byte("benchmark encryption data that is reasonably sized")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encrypted, _ := fs.encrypt(data)
		_, _ = fs.decrypt(encrypted)
	}
}
