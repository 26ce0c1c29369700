package outbound

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"gridconsent/internal/db"
)

// Cursors remembers how far each webhook got through the event log.
type Cursors interface {
	Load(ctx context.Context, name string) (int64, error)
	Save(ctx context.Context, name string, position int64) error
}

type SQLCursors struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func NewSQLCursors(conn *sql.DB, dialect db.Dialect) *SQLCursors {
	return &SQLCursors{DB: conn, Dialect: dialect}
}

func (s *SQLCursors) Load(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := s.DB.QueryRowContext(ctx, db.Rebind(s.Dialect, `SELECT position FROM outbound_cursors WHERE name=?`), name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

func (s *SQLCursors) Save(ctx context.Context, name string, position int64) error {
	_, err := s.DB.ExecContext(ctx, db.Rebind(s.Dialect, `INSERT INTO outbound_cursors(name, position) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET position=excluded.position`), name, position)
	return err
}

type MemoryCursors struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{m: map[string]int64{}}
}

func (m *MemoryCursors) Load(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name], nil
}

func (m *MemoryCursors) Save(_ context.Context, name string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[name] = position
	return nil
}
