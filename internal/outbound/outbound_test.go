package outbound_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/config"
	"gridconsent/internal/db"
	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/migrate"
	"gridconsent/internal/outbound"
	"gridconsent/internal/outbox"
)

type nopEmitter struct{}

func (nopEmitter) Emit(domain.Event) error { return nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, store events.Store, id, connectionID string, types ...domain.EventType) {
	t.Helper()
	ob := outbox.New(store, nopEmitter{}, outbox.Options{Logger: quiet()})
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := ob.Commit(ctx, domain.CreatedEvent(id, "sim", connectionID, "dn", "", start, start.AddDate(0, 0, 9), domain.GranularityPT1H))
	require.NoError(t, err)
	for _, typ := range types {
		e := domain.StatusEvent(id, typ, "")
		if typ == domain.EventMeterReading {
			e = domain.MeterReadingEvent(id, start)
		}
		_, err := ob.Commit(ctx, e)
		require.NoError(t, err)
	}
}

type sink struct {
	mu      sync.Mutex
	got     []domain.ConnectionStatusMessage
	secrets []string
	fail    bool
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		return
	}
	var msg domain.ConnectionStatusMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.got = append(s.got, msg)
	s.secrets = append(s.secrets, r.Header.Get("X-Gridconsent-Secret"))
}

func (s *sink) statuses() []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Status, len(s.got))
	for i, m := range s.got {
		out[i] = m.Status
	}
	return out
}

func TestWebhookDeliversStatusChanges(t *testing.T) {
	store := events.NewMemoryStore()
	seed(t, store, "p1", "c1", domain.EventValidated, domain.EventSentToAdministrator, domain.EventAccepted, domain.EventMeterReading)
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	cursors := outbound.NewMemoryCursors()
	hooks := []config.Webhook{{Name: "all", URL: srv.URL, Secret: "shh"}}
	d := outbound.NewDispatcher(store, cursors, hooks, outbound.DispatcherOptions{Logger: quiet()})
	d.DispatchAll(context.Background())

	assert.Equal(t, []domain.Status{
		domain.StatusCreated, domain.StatusValidated, domain.StatusSentToAdministrator, domain.StatusAccepted,
	}, s.statuses(), "internal events are not delivered")
	assert.Equal(t, "c1", s.got[3].ConnectionID, "routing fields are carried onto later events")
	assert.Equal(t, "shh", s.secrets[0])

	d.DispatchAll(context.Background())
	assert.Len(t, s.statuses(), 4, "cursor prevents redelivery")
}

func TestWebhookFiltersAndRetries(t *testing.T) {
	store := events.NewMemoryStore()
	seed(t, store, "p1", "c1", domain.EventValidated, domain.EventSentToAdministrator, domain.EventRejected)
	s := &sink{fail: true}
	srv := httptest.NewServer(s)
	defer srv.Close()

	cursors := outbound.NewMemoryCursors()
	hooks := []config.Webhook{{Name: "final", URL: srv.URL, Statuses: []string{"rejected", "ACCEPTED"}}}
	d := outbound.NewDispatcher(store, cursors, hooks, outbound.DispatcherOptions{Logger: quiet()})
	d.DispatchAll(context.Background())
	assert.Empty(t, s.statuses())
	pos, err := cursors.Load(context.Background(), "webhook:final")
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos, "cursor stops before the failed delivery")

	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()
	d.DispatchAll(context.Background())
	assert.Equal(t, []domain.Status{domain.StatusRejected}, s.statuses())
}

func TestSQLCursorsPersist(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	c := outbound.NewSQLCursors(conn, db.SQLite)
	ctx := context.Background()

	pos, err := c.Load(ctx, "webhook:a")
	require.NoError(t, err)
	assert.Zero(t, pos)
	require.NoError(t, c.Save(ctx, "webhook:a", 7))
	require.NoError(t, c.Save(ctx, "webhook:a", 9))
	pos, err = c.Load(ctx, "webhook:a")
	require.NoError(t, err)
	assert.EqualValues(t, 9, pos)
}

func TestHubStreamsFilteredMessages(t *testing.T) {
	hub := outbound.NewHub(quiet())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?connection_id=c1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Handle(context.Background(), domain.Event{PermissionID: "other", ConnectionID: "c2", Status: domain.StatusAccepted}))
	require.NoError(t, hub.Handle(context.Background(), domain.Event{PermissionID: "p1", ConnectionID: "c1", Status: domain.StatusAccepted, Region: "sim"}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg domain.ConnectionStatusMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "p1", msg.PermissionID)
	assert.Equal(t, domain.StatusAccepted, msg.Status)
	assert.Equal(t, "sim", msg.Region)
}
