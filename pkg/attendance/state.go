package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// Source is the durable side State loads from.
type Source interface {
	ListIdentities(ctx context.Context) ([]Identity, error)
	AttendedNamesOn(ctx context.Context, day time.Time) ([]string, error)
}

// State is the process-wide view of the roster and of the names that
// already attended on the current civil day. All access is guarded by mu.
// The day rolls over lazily on the first query that observes a new date.
type State struct {
	mu       sync.RWMutex
	source   Source
	loc      *time.Location
	day      string
	roster   map[string]Identity
	attended map[string]struct{}
}

// NewState creates an empty State. Call Refresh before serving requests.
func NewState(source Source, loc *time.Location) *State {
	return &State{
		source:   source,
		loc:      loc,
		roster:   make(map[string]Identity),
		attended: make(map[string]struct{}),
	}
}

// Refresh reloads the roster and the attended set for now's civil day.
// The write lock is held for the whole reload so that no MarkAttended
// issued after a durable write can be lost to a stale snapshot.
func (s *State) Refresh(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx, now)
}

func (s *State) refreshLocked(ctx context.Context, now time.Time) error {
	day := LocalDate(now, s.loc)

	ids, err := s.source.ListIdentities(ctx)
	if err != nil {
		return err
	}
	names, err := s.source.AttendedNamesOn(ctx, now)
	if err != nil {
		return err
	}

	roster := make(map[string]Identity, len(ids))
	for _, id := range ids {
		roster[id.Name] = id
	}
	attended := make(map[string]struct{}, len(names))
	for _, n := range names {
		attended[n] = struct{}{}
	}

	if s.day != "" && s.day != day {
		logging.Component("attendance").WithFields(logging.Fields{
			"from": s.day,
			"to":   day,
		}).Info("Day rolled over")
	}

	s.roster = roster
	s.attended = attended
	s.day = day
	return nil
}

// IsAttendedToday reports whether name already has an event on now's day.
// The first call that observes a new day reloads the state for it.
func (s *State) IsAttendedToday(ctx context.Context, name string, now time.Time) (bool, error) {
	day := LocalDate(now, s.loc)

	s.mu.RLock()
	if s.day == day {
		_, ok := s.attended[name]
		s.mu.RUnlock()
		return ok, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day != day {
		if err := s.refreshLocked(ctx, now); err != nil {
			return false, err
		}
	}
	_, ok := s.attended[name]
	return ok, nil
}

// MarkAttended adds name to the attended set if at falls on the loaded day.
// It must only be called after the event is durably stored.
func (s *State) MarkAttended(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if LocalDate(at, s.loc) != s.day {
		return
	}
	s.attended[name] = struct{}{}
}

// LookupIdentity returns the roster entry for name.
func (s *State) LookupIdentity(name string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roster[name]
	return id, ok
}

// Day returns the loaded civil day, empty before the first refresh.
func (s *State) Day() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.day
}

// Roster returns a copy of the roster ordered by id.
func (s *State) Roster() []Identity {
	s.mu.RLock()
	out := make([]Identity, 0, len(s.roster))
	for _, id := range s.roster {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AttendedToday returns the sorted names in the attended set.
func (s *State) AttendedToday() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.attended))
	for n := range s.attended {
		out = append(out, n)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}
