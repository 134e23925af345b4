package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	ids      []Identity
	attended map[string][]string
	calls    int
	err      error
}

func (f *fakeSource) ListIdentities(ctx context.Context) ([]Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Identity(nil), f.ids...), nil
}

func (f *fakeSource) AttendedNamesOn(ctx context.Context, day time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attended[day.Format(DateLayout)], nil
}

func TestState_Refresh(t *testing.T) {
	loc := jakarta(t)
	src := &fakeSource{
		ids:      []Identity{{ID: 2, Name: "Budi"}, {ID: 1, Name: "Ana"}},
		attended: map[string][]string{"2024-03-01": {"Ana"}},
	}
	st := NewState(src, loc)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)

	require.NoError(t, st.Refresh(context.Background(), now))

	assert.Equal(t, "2024-03-01", st.Day())
	roster := st.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "Ana", roster[0].Name)
	assert.Equal(t, []string{"Ana"}, st.AttendedToday())

	id, ok := st.LookupIdentity("Budi")
	assert.True(t, ok)
	assert.EqualValues(t, 2, id.ID)
	_, ok = st.LookupIdentity("Ghost")
	assert.False(t, ok)
}

func TestState_MarkAttended(t *testing.T) {
	loc := jakarta(t)
	st := NewState(&fakeSource{ids: []Identity{{ID: 1, Name: "Ana"}}}, loc)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)
	require.NoError(t, st.Refresh(ctx, now))

	ok, err := st.IsAttendedToday(ctx, "Ana", now)
	require.NoError(t, err)
	assert.False(t, ok)

	st.MarkAttended("Ana", now)

	ok, err = st.IsAttendedToday(ctx, "Ana", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestState_MarkAttended_OtherDayIgnored(t *testing.T) {
	loc := jakarta(t)
	st := NewState(&fakeSource{}, loc)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)
	require.NoError(t, st.Refresh(context.Background(), now))

	st.MarkAttended("Ana", now.AddDate(0, 0, -1))
	assert.Empty(t, st.AttendedToday())
}

func TestState_DayRollover(t *testing.T) {
	loc := jakarta(t)
	src := &fakeSource{
		ids:      []Identity{{ID: 1, Name: "Ana"}},
		attended: map[string][]string{},
	}
	st := NewState(src, loc)
	ctx := context.Background()

	evening := time.Date(2024, 3, 1, 23, 59, 0, 0, loc)
	require.NoError(t, st.Refresh(ctx, evening))
	st.MarkAttended("Ana", evening)

	ok, err := st.IsAttendedToday(ctx, "Ana", evening)
	require.NoError(t, err)
	assert.True(t, ok)

	morning := time.Date(2024, 3, 2, 0, 1, 0, 0, loc)
	ok, err = st.IsAttendedToday(ctx, "Ana", morning)
	require.NoError(t, err)
	assert.False(t, ok, "a new day starts with an empty attended set")
	assert.Equal(t, "2024-03-02", st.Day())
	assert.Equal(t, 2, src.calls)
}

func TestState_RefreshErrorKeepsPreviousState(t *testing.T) {
	loc := jakarta(t)
	src := &fakeSource{ids: []Identity{{ID: 1, Name: "Ana"}}}
	st := NewState(src, loc)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)
	require.NoError(t, st.Refresh(ctx, now))

	src.err = errors.New("db gone")
	_, err := st.IsAttendedToday(ctx, "Ana", now.AddDate(0, 0, 1))
	assert.Error(t, err)
	assert.Equal(t, "2024-03-01", st.Day())

	_, ok := st.LookupIdentity("Ana")
	assert.True(t, ok)
}

func TestState_ConcurrentAccess(t *testing.T) {
	loc := jakarta(t)
	st := NewState(&fakeSource{ids: []Identity{{ID: 1, Name: "Ana"}}}, loc)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, loc)
	require.NoError(t, st.Refresh(ctx, now))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				st.MarkAttended("Ana", now)
				return
			}
			_, err := st.IsAttendedToday(ctx, "Ana", now)
			assert.NoError(t, err)
			st.Roster()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"Ana"}, st.AttendedToday())
}

func TestState_WithStore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	roster := seedRoster(t, s, "Ana", "Budi")

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, s.Location())
	_, err := s.RecordAttendance(ctx, roster["Budi"], "b.jpg", now)
	require.NoError(t, err)

	st := NewState(s, s.Location())
	require.NoError(t, st.Refresh(ctx, now))

	ok, err := st.IsAttendedToday(ctx, "Budi", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.IsAttendedToday(ctx, "Ana", now)
	require.NoError(t, err)
	assert.False(t, ok)
}
