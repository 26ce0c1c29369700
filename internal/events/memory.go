package events

import (
	"context"
	"sort"
	"sync"

	"gridconsent/internal/domain"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	all      []domain.Event
	streams  map[string][]int
	terminal map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:  map[string][]int{},
		terminal: map[string]bool{},
	}
}

func (m *MemoryStore) Append(_ context.Context, e domain.Event) error {
	if err := validate(e); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[e.PermissionID]
	if e.Seq != int64(len(stream)+1) {
		return ErrConflict
	}
	if key := terminalKey(e); key != "" {
		if m.terminal[e.PermissionID+"/"+key] {
			return ErrConflict
		}
		m.terminal[e.PermissionID+"/"+key] = true
	}
	e.Position = int64(len(m.all) + 1)
	m.all = append(m.all, e)
	m.streams[e.PermissionID] = append(stream, len(m.all)-1)
	return nil
}

func (m *MemoryStore) FindByPermissionID(_ context.Context, permissionID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.streams[permissionID]
	out := make([]domain.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.all[i])
	}
	return out, nil
}

func (m *MemoryStore) FindLatest(_ context.Context, permissionID string) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.streams[permissionID]
	if len(idx) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return m.all[idx[len(idx)-1]], nil
}

func (m *MemoryStore) FindLatestStatus(ctx context.Context, permissionID string) (domain.Status, error) {
	e, err := m.FindLatest(ctx, permissionID)
	if err != nil {
		return "", err
	}
	return e.Status, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Event, error) {
	want := map[domain.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, idx := range m.streams {
		latest := m.all[idx[len(idx)-1]]
		if want[latest.Status] {
			out = append(out, latest)
		}
	}
	sortByPosition(out)
	return out, nil
}

func (m *MemoryStore) EventsAfter(_ context.Context, position int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if position < 0 {
		position = 0
	}
	var out []domain.Event
	for i := int(position); i < len(m.all); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.all[i])
	}
	return out, nil
}

func sortByPosition(evts []domain.Event) {
	sort.Slice(evts, func(i, j int) bool { return evts[i].Position < evts[j].Position })
}
