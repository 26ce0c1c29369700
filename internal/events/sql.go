package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gridconsent/internal/db"
	"gridconsent/internal/domain"
)

const dateLayout = "2006-01-02"

const eventColumns = `id,event_id,permission_id,seq,type,status,event_created,region,connection_id,data_need_id,metering_point_id,start_date,end_date,granularity,external_id,message,reading,errors_json,data_json`

// SQLStore keeps events in the permission_events table.
type SQLStore struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{DB: conn, Dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	return db.Rebind(s.Dialect, query)
}

func (s *SQLStore) Append(ctx context.Context, e domain.Event) error {
	if err := validate(e); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	errorsJSON, err := marshalOptional(e.Errors, len(e.Errors) > 0)
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	dataJSON, err := marshalOptional(e.Data, len(e.Data) > 0)
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO permission_events(event_id,permission_id,seq,type,status,event_created,region,connection_id,data_need_id,metering_point_id,start_date,end_date,granularity,external_id,message,reading,errors_json,data_json,terminal_status) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.PermissionID, e.Seq, string(e.Type), string(e.Status), formatTime(e.Created),
		nullable(e.Region), nullable(e.ConnectionID), nullable(e.DataNeedID), nullable(e.MeteringPointID),
		formatDate(e.Start), formatDate(e.End), nullable(string(e.Granularity)), nullable(e.ExternalID),
		nullable(e.Message), formatOptionalTime(e.Reading), errorsJSON, dataJSON, nullable(terminalKey(e)))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return &PersistenceError{Op: "append", Err: err}
	}
	return nil
}

func (s *SQLStore) FindByPermissionID(ctx context.Context, permissionID string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+eventColumns+` FROM permission_events WHERE permission_id=? ORDER BY seq ASC`), permissionID)
	if err != nil {
		return nil, &PersistenceError{Op: "read stream", Err: err}
	}
	return scanEvents(rows)
}

func (s *SQLStore) FindLatest(ctx context.Context, permissionID string) (domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+eventColumns+` FROM permission_events WHERE permission_id=? ORDER BY seq DESC LIMIT 1`), permissionID)
	if err != nil {
		return domain.Event{}, &PersistenceError{Op: "read latest", Err: err}
	}
	evts, err := scanEvents(rows)
	if err != nil {
		return domain.Event{}, err
	}
	if len(evts) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return evts[0], nil
}

func (s *SQLStore) FindLatestStatus(ctx context.Context, permissionID string) (domain.Status, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT status FROM permission_events WHERE permission_id=? ORDER BY seq DESC LIMIT 1`), permissionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &PersistenceError{Op: "read latest status", Err: err}
	}
	return domain.Status(status), nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Event, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT ` + eventColumns + ` FROM permission_events e
WHERE e.seq = (SELECT MAX(seq) FROM permission_events m WHERE m.permission_id = e.permission_id)
AND e.status IN (` + strings.Join(placeholders, ",") + `)
ORDER BY e.id ASC`
	rows, err := s.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list by status", Err: err}
	}
	return scanEvents(rows)
}

func (s *SQLStore) EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+eventColumns+` FROM permission_events WHERE id > ? ORDER BY id ASC LIMIT ?`), position, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "events after", Err: err}
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "scan", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "scan", Err: err}
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var typ, status, created string
	var region, connectionID, dataNeedID, meteringPointID sql.NullString
	var start, end, granularity, externalID, message, reading, errorsJSON, dataJSON sql.NullString
	if err := rows.Scan(&e.Position, &e.ID, &e.PermissionID, &e.Seq, &typ, &status, &created,
		&region, &connectionID, &dataNeedID, &meteringPointID, &start, &end, &granularity,
		&externalID, &message, &reading, &errorsJSON, &dataJSON); err != nil {
		return e, err
	}
	e.Type = domain.EventType(typ)
	e.Status = domain.Status(status)
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return e, fmt.Errorf("parse event_created: %w", err)
	}
	e.Created = ts
	e.Region = region.String
	e.ConnectionID = connectionID.String
	e.DataNeedID = dataNeedID.String
	e.MeteringPointID = meteringPointID.String
	e.Granularity = domain.Granularity(granularity.String)
	e.ExternalID = externalID.String
	e.Message = message.String
	if e.Start, err = parseDate(start); err != nil {
		return e, err
	}
	if e.End, err = parseDate(end); err != nil {
		return e, err
	}
	if reading.Valid {
		r, err := time.Parse(time.RFC3339Nano, reading.String)
		if err != nil {
			return e, fmt.Errorf("parse reading: %w", err)
		}
		e.Reading = &r
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &e.Errors); err != nil {
			return e, fmt.Errorf("decode errors_json: %w", err)
		}
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
			return e, fmt.Errorf("decode data_json: %w", err)
		}
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", v.String, err)
	}
	return &t, nil
}

func marshalOptional(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
