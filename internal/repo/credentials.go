package repo

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"gridconsent/internal/db"
)

// Credential is the per-permission login some administrators hand out.
type Credential struct {
	PermissionID string
	Username     string
	Secret       string
	CreatedAt    time.Time
}

type CredentialStore interface {
	Put(ctx context.Context, c Credential) error
	Get(ctx context.Context, permissionID string) (Credential, error)
	// Delete succeeds when nothing is stored.
	Delete(ctx context.Context, permissionID string) error
}

type SQLCredentials struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func NewSQLCredentials(conn *sql.DB, dialect db.Dialect) *SQLCredentials {
	return &SQLCredentials{DB: conn, Dialect: dialect}
}

func (s *SQLCredentials) Put(ctx context.Context, c Credential) error {
	if c.PermissionID == "" {
		return errors.New("permission_id required")
	}
	if c.Username == "" {
		return errors.New("username required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, db.Rebind(s.Dialect, `INSERT INTO credentials(permission_id, username, secret, created_at) VALUES (?,?,?,?)
ON CONFLICT(permission_id) DO UPDATE SET username=excluded.username, secret=excluded.secret, created_at=excluded.created_at`),
		c.PermissionID, c.Username, c.Secret, c.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLCredentials) Get(ctx context.Context, permissionID string) (Credential, error) {
	row := s.DB.QueryRowContext(ctx, db.Rebind(s.Dialect, `SELECT permission_id, username, COALESCE(secret,''), created_at FROM credentials WHERE permission_id=?`), permissionID)
	var c Credential
	var created string
	err := row.Scan(&c.PermissionID, &c.Username, &c.Secret, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return c, nil
}

func (s *SQLCredentials) Delete(ctx context.Context, permissionID string) error {
	_, err := s.DB.ExecContext(ctx, db.Rebind(s.Dialect, `DELETE FROM credentials WHERE permission_id=?`), permissionID)
	return err
}

type MemoryCredentials struct {
	mu sync.Mutex
	m  map[string]Credential
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{m: map[string]Credential{}}
}

func (m *MemoryCredentials) Put(_ context.Context, c Credential) error {
	if c.PermissionID == "" {
		return errors.New("permission_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[c.PermissionID] = c
	return nil
}

func (m *MemoryCredentials) Get(_ context.Context, permissionID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.m[permissionID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryCredentials) Delete(_ context.Context, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, permissionID)
	return nil
}
