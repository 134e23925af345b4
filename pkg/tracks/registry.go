// Package tracks keeps the versioned mapping from identity name to the
// pre-synthesized audio track played on a successful attendance.
//
// The mapping is extend-only: a name keeps its track id forever and new
// names are numbered from max+1. It is persisted in Badger.
package tracks

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/faceattend/pkg/logging"
)

const (
	namePrefix = "track/name/"
	versionKey = "meta/version"
)

// ErrInvalidName is returned when assigning an empty name.
var ErrInvalidName = errors.New("invalid track name")

// Registry is the Badger-backed name to track id mapping.
type Registry struct {
	db *badger.DB

	// serialises Assign so concurrent extensions never race for an id
	mu sync.Mutex
}

// Snapshot is a point-in-time copy of the mapping.
type Snapshot struct {
	Version uint64
	Tracks  map[string]string
}

// Lookup returns the track id for name.
func (s Snapshot) Lookup(name string) (string, bool) {
	id, ok := s.Tracks[name]
	return id, ok
}

// Open opens or creates the registry in dir.
func Open(dir string) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("tracks: directory is required")
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a registry that is not persisted. Used in tests.
func OpenInMemory() (*Registry, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Registry, error) {
	opts = opts.WithLogger(badgerLogger{logging.Component("badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open track registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// LoadSnapshot opens the registry in dir, reads it and closes it again, so
// the directory lock is only held briefly.
func LoadSnapshot(dir string) (Snapshot, error) {
	r, err := Open(dir)
	if err != nil {
		return Snapshot{}, err
	}
	defer r.Close()
	return r.Snapshot()
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Lookup returns the track id for name.
func (r *Registry) Lookup(name string) (string, bool, error) {
	var id string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(namePrefix + name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = string(val)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Version returns the number of extensions applied so far.
func (r *Registry) Version() (uint64, error) {
	var v uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readVersion(txn)
		return err
	})
	return v, err
}

// Snapshot returns a copy of the full mapping and its version.
func (r *Registry) Snapshot() (Snapshot, error) {
	snap := Snapshot{Tracks: make(map[string]string)}
	err := r.db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn)
		if err != nil {
			return err
		}
		snap.Version = v
		return eachTrack(txn, func(name, id string) {
			snap.Tracks[name] = id
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Assign gives every name without a track the next free id. Existing
// assignments are left alone. It returns only the new assignments; the
// version is bumped once when there is at least one.
func (r *Registry) Assign(names []string) (map[string]string, error) {
	for _, n := range names {
		if n == "" {
			return nil, ErrInvalidName
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	assigned := make(map[string]string)
	err := r.db.Update(func(txn *badger.Txn) error {
		existing := make(map[string]string)
		max := 0
		if err := eachTrack(txn, func(name, id string) {
			existing[name] = id
			if n, err := strconv.Atoi(id); err == nil && n > max {
				max = n
			}
		}); err != nil {
			return err
		}

		next := max + 1
		for _, name := range names {
			if _, ok := existing[name]; ok {
				continue
			}
			if _, ok := assigned[name]; ok {
				continue
			}
			id := FormatID(next)
			next++
			if err := txn.Set([]byte(namePrefix+name), []byte(id)); err != nil {
				return err
			}
			assigned[name] = id
		}

		if len(assigned) == 0 {
			return nil
		}
		v, err := readVersion(txn)
		if err != nil {
			return err
		}
		return txn.Set([]byte(versionKey), []byte(strconv.FormatUint(v+1, 10)))
	})
	if err != nil {
		return nil, fmt.Errorf("assign tracks: %w", err)
	}

	if len(assigned) > 0 {
		logging.Component("tracks").WithField("count", len(assigned)).Info("Assigned new tracks")
	}
	return assigned, nil
}

// FormatID renders a sequential track number.
func FormatID(n int) string {
	return fmt.Sprintf("%04d", n)
}

// AudioKey is the artifact key of a track's audio file.
func AudioKey(id string) string {
	return "tracks/" + id + ".mp3"
}

// Missing returns the sorted names that have no track in snap.
func Missing(snap Snapshot, names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := snap.Tracks[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func readVersion(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(versionKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(val), 10, 64)
}

func eachTrack(txn *badger.Txn, fn func(name, id string)) error {
	prefix := []byte(namePrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		fn(string(key[len(prefix):]), string(val))
	}
	return nil
}

// badgerLogger routes badger output through logrus; badger's info chatter
// is demoted to debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Debugf(f, v...) }
