package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	vann   map[int64]Vann
	lps    map[int64]Landingsplass
	assocs []Association
	failOn string
}

func newMemRepo() *memRepo {
	return &memRepo{nextID: 1, vann: map[int64]Vann{}, lps: map[int64]Landingsplass{}}
}

func (m *memRepo) id() int64 { m.nextID++; return m.nextID }

func (m *memRepo) ListVann(_ context.Context, _ string) ([]Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "ListVann" {
		return nil, errors.New("boom")
	}
	var out []Vann
	for _, v := range m.vann {
		out = append(out, v)
	}
	return out, nil
}

func (m *memRepo) GetVann(_ context.Context, _ string, id int64) (Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vann[id]
	if !ok {
		return Vann{}, ErrNotFound
	}
	return v, nil
}

func (m *memRepo) CreateVann(_ context.Context, _ string, v Vann) (Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.id()
	m.vann[v.ID] = v
	return v, nil
}

func (m *memRepo) UpdateVann(_ context.Context, _ string, v Vann) (Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vann[v.ID]; !ok {
		return Vann{}, ErrNotFound
	}
	m.vann[v.ID] = v
	return v, nil
}

func (m *memRepo) DeleteVann(_ context.Context, _ string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vann, id)
	return nil
}

func (m *memRepo) SetVannDone(_ context.Context, _ string, id int64, done bool, by string, at int64) (Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vann[id]
	if !ok {
		return Vann{}, ErrNotFound
	}
	v.Done, v.DoneBy, v.DoneAt = done, by, at
	m.vann[id] = v
	return v, nil
}

func (m *memRepo) ImportVann(ctx context.Context, prefix string, rows []Vann) (int, error) {
	for _, v := range rows {
		if _, err := m.CreateVann(ctx, prefix, v); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func (m *memRepo) ListLandingsplasser(_ context.Context, _ string) ([]Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Landingsplass
	for _, lp := range m.lps {
		out = append(out, lp)
	}
	return out, nil
}

func (m *memRepo) GetLandingsplass(_ context.Context, _ string, id int64) (Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.lps[id]
	if !ok {
		return Landingsplass{}, ErrNotFound
	}
	return lp, nil
}

func (m *memRepo) CreateLandingsplass(_ context.Context, _ string, lp Landingsplass) (Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp.ID = m.id()
	m.lps[lp.ID] = lp
	return lp, nil
}

func (m *memRepo) UpdateLandingsplass(_ context.Context, _ string, lp Landingsplass) (Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lps[lp.ID] = lp
	return lp, nil
}

func (m *memRepo) DeleteLandingsplass(_ context.Context, _ string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lps, id)
	return nil
}

func (m *memRepo) SetLandingsplassDone(_ context.Context, _ string, id int64, done bool, by string, at int64) (Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.lps[id]
	if !ok {
		return Landingsplass{}, ErrNotFound
	}
	lp.Done, lp.DoneBy, lp.DoneAt = done, by, at
	m.lps[id] = lp
	return lp, nil
}

func (m *memRepo) ListAssociations(_ context.Context, _ string) ([]Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Association{}, m.assocs...), nil
}

func (m *memRepo) AddAssociation(_ context.Context, _ string, a Association) (Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.assocs = append(m.assocs, a)
	return a, nil
}

func (m *memRepo) RemoveAssociation(_ context.Context, _ string, lpID, vannID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.assocs[:0]
	found := false
	for _, a := range m.assocs {
		if a.LandingsplassID == lpID && a.VannID == vannID {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	m.assocs = kept
	if !found {
		return ErrNotFound
	}
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (j *memJournal) Record(_ context.Context, e LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func newTestService() (*Service, *memRepo, *memJournal, *[]Event) {
	repo := newMemRepo()
	journal := &memJournal{}
	var events []Event
	svc := NewService(repo, journal, func(e Event) { events = append(events, e) }, nil)
	svc.Now = func() time.Time { return time.Unix(1_750_000_000, 0) }
	return svc, repo, journal, &events
}

func TestServiceAddAssociationComputesDistance(t *testing.T) {
	svc, _, journal, events := newTestService()
	ctx := context.Background()

	lp, err := svc.CreateLandingsplass(ctx, "vass", Landingsplass{Code: " LP1 ", Latitude: 59.9139, Longitude: 10.7522}, "ola@example.no")
	require.NoError(t, err)
	assert.Equal(t, "LP1", lp.Code)
	v, err := svc.CreateVann(ctx, "vass", Vann{Name: "Bergensvatnet", Latitude: 60.3913, Longitude: 5.3221, Tonn: 12}, "ola@example.no")
	require.NoError(t, err)

	a, err := svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: v.ID}, "ola@example.no")
	require.NoError(t, err)
	require.NotNil(t, a.DistanceKM)
	assert.InDelta(t, 305, *a.DistanceKM, 5)

	_, err = svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: v.ID}, "ola@example.no")
	assert.ErrorIs(t, err, ErrDuplicateAssociation)

	_, err = svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: 404}, "ola@example.no")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, journal.entries, 3)
	assert.Equal(t, "associate", journal.entries[2].Action)
	assert.Equal(t, "associated", (*events)[2].Type)
}

func TestServiceKeepsExplicitDistance(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	lp, _ := svc.CreateLandingsplass(ctx, "vass", Landingsplass{Code: "LP1", Latitude: 60, Longitude: 10}, "")
	v, _ := svc.CreateVann(ctx, "vass", Vann{Name: "Tjern", Latitude: 60.1, Longitude: 10}, "")
	d := 1.5
	a, err := svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: v.ID, DistanceKM: &d}, "")
	require.NoError(t, err)
	assert.Equal(t, 1.5, *a.DistanceKM)
}

func TestServiceSetVannDoneStampsTime(t *testing.T) {
	svc, _, journal, events := newTestService()
	ctx := context.Background()
	v, err := svc.CreateVann(ctx, "vass", Vann{Name: "Tjern", Tonn: 4}, "kari")
	require.NoError(t, err)

	done, err := svc.SetVannDone(ctx, "vass", v.ID, true, "kari")
	require.NoError(t, err)
	assert.True(t, done.Done)
	assert.Equal(t, int64(1_750_000_000), done.DoneAt)
	assert.Equal(t, "kari", done.DoneBy)

	undone, err := svc.SetVannDone(ctx, "vass", v.ID, false, "kari")
	require.NoError(t, err)
	assert.Zero(t, undone.DoneAt)

	assert.Equal(t, "mark_pending", journal.entries[len(journal.entries)-1].Action)
	last := (*events)[len(*events)-1]
	require.NotNil(t, last.Done)
	assert.False(t, *last.Done)

	_, err = svc.SetVannDone(ctx, "vass", 999, true, "kari")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceRejectsInvalidInput(t *testing.T) {
	svc, repo, journal, _ := newTestService()
	_, err := svc.CreateVann(context.Background(), "vass", Vann{Name: "  "}, "kari")
	assert.True(t, IsValidation(err))
	assert.Empty(t, repo.vann)
	assert.Empty(t, journal.entries)

	_, err = svc.ImportVann(context.Background(), "vass", []Vann{{Name: "ok"}, {Name: ""}}, "kari")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
	assert.Empty(t, repo.vann)
}

func TestServiceMapPayload(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	lp, _ := svc.CreateLandingsplass(ctx, "vass", Landingsplass{Code: "LP1", Fylke: "Agder"}, "")
	v1, _ := svc.CreateVann(ctx, "vass", Vann{Name: "A", Fylke: "Agder", Tonn: 3}, "")
	v2, _ := svc.CreateVann(ctx, "vass", Vann{Name: "B", Fylke: "Agder", Tonn: 4}, "")
	_, err := svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: v1.ID}, "")
	require.NoError(t, err)
	_, err = svc.AddAssociation(ctx, "vass", Association{LandingsplassID: lp.ID, VannID: v2.ID}, "")
	require.NoError(t, err)

	p, err := svc.MapPayload(ctx, "vass", Filter{})
	require.NoError(t, err)
	require.Len(t, p.Landingsplasser, 1)
	assert.Equal(t, 7.0, p.Landingsplasser[0].TotalTonn)

	_, err = svc.MapPayload(ctx, "Bad Prefix", Filter{})
	assert.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestServiceLoadPropagatesErrors(t *testing.T) {
	svc, repo, _, _ := newTestService()
	repo.failOn = "ListVann"
	_, err := svc.Summary(context.Background(), "vass")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestServiceDeleteVannNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	err := svc.DeleteVann(context.Background(), "vass", 42, "kari")
	assert.ErrorIs(t, err, ErrNotFound)
}
