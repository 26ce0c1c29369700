// Package repo is the permission request read model. Reads go through an
// in-process LRU, an optional shared cache and finally a replay of the
// event stream. The outbox calls Apply after every commit so a request
// read right after a write reflects it.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
)

var ErrNotFound = errors.New("permission request not found")

const (
	defaultCacheSize = 4096
	// fillAttempts bounds how often a cold read restarts because a commit
	// landed while it was loading.
	fillAttempts = 3
)

// SharedCache is a cache visible to every process using the same store.
type SharedCache interface {
	Get(ctx context.Context, permissionID string) (domain.PermissionRequest, bool, error)
	Set(ctx context.Context, pr domain.PermissionRequest) error
	Delete(ctx context.Context, permissionID string) error
}

type Options struct {
	CacheSize int
	Shared    SharedCache
	Logger    *slog.Logger
}

type Repo struct {
	store  events.Store
	local  *lru.Cache[string, domain.PermissionRequest]
	shared SharedCache
	logger *slog.Logger

	// mu orders cache fills against Apply and Invalidate. fills holds a
	// generation per permission id with a cold read in flight; every
	// commit or invalidation bumps it so the read does not cache what it
	// loaded before that commit.
	mu    sync.Mutex
	fills map[string]*fill
}

type fill struct {
	gen  uint64
	refs int
}

func New(store events.Store, opts Options) (*Repo, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	local, err := lru.New[string, domain.PermissionRequest](size)
	if err != nil {
		return nil, fmt.Errorf("read model cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{
		store:  store,
		local:  local,
		shared: opts.Shared,
		logger: logger.With("component", "repo"),
		fills:  map[string]*fill{},
	}, nil
}

// Get returns the current projection of a permission request. A cold
// read that races a commit of the same request loads again, so it never
// caches or returns a status older than one already committed here.
func (r *Repo) Get(ctx context.Context, permissionID string) (domain.PermissionRequest, error) {
	if pr, ok := r.local.Get(permissionID); ok {
		return pr.Clone(), nil
	}
	f, gen := r.beginFill(permissionID)
	defer r.endFill(permissionID, f)

	var pr domain.PermissionRequest
	for attempt := 0; attempt < fillAttempts; attempt++ {
		var err error
		pr, err = r.load(ctx, permissionID)
		if err != nil {
			return domain.PermissionRequest{}, err
		}
		cur, stored, stale := r.finishFill(f, gen, pr)
		if !stale {
			if stored {
				r.rememberShared(ctx, pr)
			}
			return cur.Clone(), nil
		}
		if cached, ok := r.local.Get(permissionID); ok && cached.Version >= pr.Version {
			return cached.Clone(), nil
		}
		gen = r.generation(f)
	}
	return pr.Clone(), nil
}

func (r *Repo) load(ctx context.Context, permissionID string) (domain.PermissionRequest, error) {
	if pr, ok := r.fromShared(ctx, permissionID); ok {
		return pr, nil
	}
	return r.rebuild(ctx, permissionID)
}

func (r *Repo) beginFill(permissionID string) (*fill, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fills[permissionID]
	if !ok {
		f = &fill{}
		r.fills[permissionID] = f
	}
	f.refs++
	return f, f.gen
}

func (r *Repo) endFill(permissionID string, f *fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.refs--
	if f.refs == 0 {
		delete(r.fills, permissionID)
	}
}

func (r *Repo) generation(f *fill) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f.gen
}

// finishFill caches pr unless a commit or invalidation happened since gen
// was taken. A newer cached projection wins over pr.
func (r *Repo) finishFill(f *fill, gen uint64, pr domain.PermissionRequest) (cur domain.PermissionRequest, stored, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.gen != gen {
		return pr, false, true
	}
	if cached, ok := r.local.Get(pr.PermissionID); ok && cached.Version >= pr.Version {
		return cached, false, false
	}
	r.local.Add(pr.PermissionID, pr)
	return pr, true, false
}

// bump must be called with mu held.
func (r *Repo) bump(permissionID string) {
	if f, ok := r.fills[permissionID]; ok {
		f.gen++
	}
}

// fromShared trusts a shared entry only when it is as new as the stream.
func (r *Repo) fromShared(ctx context.Context, permissionID string) (domain.PermissionRequest, bool) {
	if r.shared == nil {
		return domain.PermissionRequest{}, false
	}
	pr, ok, err := r.shared.Get(ctx, permissionID)
	if err != nil {
		r.logger.WarnContext(ctx, "shared cache read failed", "permission_id", permissionID, "error", err)
		return domain.PermissionRequest{}, false
	}
	if !ok {
		return domain.PermissionRequest{}, false
	}
	head, err := r.store.FindLatest(ctx, permissionID)
	if err != nil || head.Seq != pr.Version {
		return domain.PermissionRequest{}, false
	}
	return pr, true
}

func (r *Repo) rebuild(ctx context.Context, permissionID string) (domain.PermissionRequest, error) {
	stream, err := r.store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return domain.PermissionRequest{}, err
	}
	if len(stream) == 0 {
		return domain.PermissionRequest{}, ErrNotFound
	}
	pr, err := fsm.Replay(stream)
	if err != nil {
		return domain.PermissionRequest{}, fmt.Errorf("replay %s: %w", permissionID, err)
	}
	return pr, nil
}

func (r *Repo) rememberShared(ctx context.Context, pr domain.PermissionRequest) {
	if r.shared == nil {
		return
	}
	if err := r.shared.Set(ctx, pr); err != nil {
		r.logger.WarnContext(ctx, "shared cache write failed", "permission_id", pr.PermissionID, "error", err)
	}
}

// Apply folds a committed event into the cached projection. When the
// cached copy is not the direct predecessor it is dropped and rebuilt on
// the next read.
func (r *Repo) Apply(ctx context.Context, e domain.Event) {
	r.mu.Lock()
	r.bump(e.PermissionID)
	cached, ok := r.local.Get(e.PermissionID)
	var (
		pr     domain.PermissionRequest
		folded bool
	)
	switch {
	case e.Type == domain.EventCreated && e.Seq == 1:
		pr.Apply(e)
		folded = true
	case ok && cached.Version == e.Seq-1:
		pr = cached.Clone()
		pr.Apply(e)
		folded = true
	}
	if folded {
		r.local.Add(e.PermissionID, pr)
	} else {
		r.local.Remove(e.PermissionID)
	}
	r.mu.Unlock()

	if folded {
		r.rememberShared(ctx, pr)
		return
	}
	r.deleteShared(ctx, e.PermissionID)
}

func (r *Repo) Invalidate(ctx context.Context, permissionID string) {
	r.mu.Lock()
	r.bump(permissionID)
	r.local.Remove(permissionID)
	r.mu.Unlock()
	r.deleteShared(ctx, permissionID)
}

func (r *Repo) deleteShared(ctx context.Context, permissionID string) {
	if r.shared == nil {
		return
	}
	if err := r.shared.Delete(ctx, permissionID); err != nil {
		r.logger.WarnContext(ctx, "shared cache delete failed", "permission_id", permissionID, "error", err)
	}
}

// ListByStatus returns every request whose current status is in statuses.
func (r *Repo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.PermissionRequest, error) {
	heads, err := r.store.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PermissionRequest, 0, len(heads))
	for _, h := range heads {
		pr, err := r.Get(ctx, h.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// History is the full event stream, oldest first.
func (r *Repo) History(ctx context.Context, permissionID string) ([]domain.Event, error) {
	stream, err := r.store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, ErrNotFound
	}
	return stream, nil
}

func (r *Repo) LatestStatusMessage(ctx context.Context, permissionID string) (domain.ConnectionStatusMessage, error) {
	pr, err := r.Get(ctx, permissionID)
	if err != nil {
		return domain.ConnectionStatusMessage{}, err
	}
	return pr.StatusMessage(), nil
}
