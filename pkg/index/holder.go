package index

import "sync/atomic"

// Holder publishes the current Index to concurrent readers. Reloads swap
// the whole index so a request never sees a half-built gallery.
type Holder struct {
	current atomic.Pointer[Index]
}

// NewHolder returns a holder with ix loaded; ix may be nil.
func NewHolder(ix *Index) *Holder {
	h := &Holder{}
	h.Store(ix)
	return h
}

// Load returns the current index or nil.
func (h *Holder) Load() *Index {
	return h.current.Load()
}

// Store replaces the current index.
func (h *Holder) Store(ix *Index) {
	h.current.Store(ix)
}

// Classify classifies against the current index.
func (h *Holder) Classify(vec []float32) (Match, error) {
	return h.Load().Classify(vec)
}
