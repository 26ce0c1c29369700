package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/config"
	"gridconsent/internal/db"
	"gridconsent/internal/domain"
	"gridconsent/internal/engine"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
	"gridconsent/internal/migrate"
	"gridconsent/internal/outbox"
	"gridconsent/internal/region"
	"gridconsent/internal/region/simulation"
	"gridconsent/internal/repo"
)

var now = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *recordingEmitter) Emit(e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

type testEnv struct {
	Engine  engine.Engine
	Outbox  *outbox.Outbox
	Emitted *recordingEmitter
	Sim     *simulation.Adapter
	Ctx     context.Context
}

// pollOnly is an adapter without retransmission support.
type pollOnly struct{ region.Adapter }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := events.NewSQLStore(conn, db.SQLite)
	r, err := repo.New(store, repo.Options{Logger: logger})
	require.NoError(t, err)
	em := &recordingEmitter{}
	ob := outbox.New(store, em, outbox.Options{
		Logger:    logger,
		Now:       func() time.Time { return now },
		Callbacks: []outbox.Callback{r.Apply},
	})
	sim := simulation.New(simulation.Config{ID: "sim", Country: "XX", Now: func() time.Time { return now }})
	plain := pollOnly{simulation.New(simulation.Config{ID: "at-plain", Country: "AT"})}
	regions, err := region.NewRegistry(sim, plain)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Regions = append(cfg.Regions, config.Region{ID: "at-plain", Kind: "simulation", RequiresMeteringPoint: true})
	cfg.Regions[0].CallbackSecret = "s3cret"

	eng := engine.New(ob, r, regions, cfg, logger)
	eng.Now = func() time.Time { return now }
	ids := 0
	eng.NewID = func() string {
		ids++
		return "pid-" + string(rune('a'+ids-1))
	}
	return testEnv{Engine: eng, Outbox: ob, Emitted: em, Sim: sim, Ctx: context.Background()}
}

func validOptions() engine.CreateOptions {
	return engine.CreateOptions{
		ConnectionID: "conn-1",
		DataNeedID:   "historical-consumption",
		Region:       "sim",
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func (env testEnv) commit(t *testing.T, id string, types ...domain.EventType) {
	t.Helper()
	for _, typ := range types {
		_, err := env.Outbox.Commit(env.Ctx, domain.StatusEvent(id, typ, ""))
		require.NoError(t, err)
	}
}

func TestCreateValidRequest(t *testing.T) {
	env := newTestEnv(t)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	assert.Equal(t, "pid-a", pr.PermissionID)
	assert.Equal(t, domain.StatusValidated, pr.Status)
	assert.Equal(t, domain.GranularityPT1H, pr.Granularity, "granularity defaults from the data need")

	hist, err := env.Engine.History(env.Ctx, pr.PermissionID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.EventCreated, hist[0].Type)
	assert.Equal(t, domain.EventValidated, hist[1].Type)
}

func TestCreateRoutesByCountry(t *testing.T) {
	env := newTestEnv(t)
	opts := validOptions()
	opts.Region = "at"
	opts.MeteringPointID = "AT0010000000000000001000004392265"
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "at-plain", pr.Region)
}

func TestCreateMalformed(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*engine.CreateOptions)
		field  string
		msg    string
	}{
		{"start after end", func(o *engine.CreateOptions) { o.Start = o.End.AddDate(0, 0, 1) }, "start", "start must be before or equal to end"},
		{"blank connection", func(o *engine.CreateOptions) { o.ConnectionID = " " }, "connection_id", "must not be blank"},
		{"unknown data need", func(o *engine.CreateOptions) { o.DataNeedID = "nope" }, "data_need_id", "unknown data need"},
		{"unknown region", func(o *engine.CreateOptions) { o.Region = "zz-nowhere" }, "region", "unknown region connector"},
		{"metering point", func(o *engine.CreateOptions) { o.Region = "at-plain" }, "metering_point_id", "required by region connector"},
		{"granularity", func(o *engine.CreateOptions) { o.Granularity = "PT5M" }, "granularity", "unknown granularity"},
		{"too old", func(o *engine.CreateOptions) { o.Start = now.AddDate(-3, 0, 0) }, "start", "must not be more than 24 months in the past"},
		{"too far", func(o *engine.CreateOptions) { o.End = now.AddDate(4, 0, 0) }, "end", "must not be more than 36 months in the future"},
		{"missing end", func(o *engine.CreateOptions) { o.End = time.Time{} }, "end", "must not be blank"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			tc.mutate(&opts)
			pr, err := env.Engine.CreatePermissionRequest(env.Ctx, opts)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.msg, verr.Fields()[tc.field])
			assert.Equal(t, domain.StatusMalformed, pr.Status)
			assert.NotEmpty(t, pr.Errors)

			stored, err := env.Engine.Get(env.Ctx, verr.PermissionID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusMalformed, stored.Status, "malformed requests stay queryable")
		})
	}
}

func TestGetUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Get(env.Ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
	_, err = env.Engine.Terminate(env.Ctx, "missing", "")
	assert.True(t, engine.IsNotFound(err))
}

func TestTerminateAndRetry(t *testing.T) {
	env := newTestEnv(t)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)

	_, err = env.Engine.Terminate(env.Ctx, pr.PermissionID, "")
	var past fsm.PastStateError
	var future fsm.FutureStateError
	require.True(t, errors.As(err, &future), "terminate before acceptance: %v", err)

	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)
	pr, err = env.Engine.Terminate(env.Ctx, pr.PermissionID, "customer asked")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequiresExternalTermination, pr.Status)

	_, err = env.Engine.Terminate(env.Ctx, pr.PermissionID, "")
	require.True(t, errors.As(err, &past), "second terminate: %v", err)

	_, err = env.Engine.RetryTermination(env.Ctx, pr.PermissionID)
	require.True(t, fsm.IsTransitionError(err), "retry needs a failed termination")

	_, err = env.Outbox.Commit(env.Ctx, domain.FailedToTerminateEvent(pr.PermissionID, "timeout"))
	require.NoError(t, err)
	pr, err = env.Engine.RetryTermination(env.Ctx, pr.PermissionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequiresExternalTermination, pr.Status)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)
	pr, err = env.Engine.Revoke(env.Ctx, pr.PermissionID, "by customer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, pr.Status)
	assert.Equal(t, "by customer", pr.Message)
}

func TestHandleCallback(t *testing.T) {
	env := newTestEnv(t)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator)
	opts := engine.CallbackOptions{Region: "sim", Secret: "s3cret", PermissionID: pr.PermissionID, Status: "accepted"}

	bad := opts
	bad.Secret = "guess"
	_, err = env.Engine.HandleCallback(env.Ctx, bad)
	assert.ErrorIs(t, err, engine.ErrUnauthorizedCallback)

	bad = opts
	bad.Status = "FULFILLED"
	_, err = env.Engine.HandleCallback(env.Ctx, bad)
	assert.ErrorIs(t, err, engine.ErrCallbackStatus)

	bad = opts
	bad.Region = "at-plain"
	_, err = env.Engine.HandleCallback(env.Ctx, bad)
	assert.True(t, engine.IsNotFound(err))

	res, err := env.Engine.HandleCallback(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, engine.CallbackApplied, res.Outcome)
	assert.Equal(t, domain.StatusAccepted, res.Status)

	res, err = env.Engine.HandleCallback(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, engine.CallbackIgnored, res.Outcome)
	assert.Equal(t, domain.StatusAccepted, res.Status)
	assert.NotEmpty(t, res.Reason)
}

func TestRequestRetransmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	day := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }

	res, err := env.Engine.RequestRetransmission(ctx, "missing", day(1, 2), day(1, 3))
	require.NoError(t, err)
	assert.Equal(t, engine.RetransmissionNotFound, res.Kind)

	pr, err := env.Engine.CreatePermissionRequest(ctx, validOptions())
	require.NoError(t, err)
	res, err = env.Engine.RequestRetransmission(ctx, pr.PermissionID, day(1, 2), day(1, 3))
	require.NoError(t, err)
	assert.Equal(t, engine.RetransmissionNoActive, res.Kind)

	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)
	cases := []struct {
		from, to time.Time
		want     engine.RetransmissionKind
	}{
		{day(1, 2), day(1, 3), engine.RetransmissionSuccess},
		{day(1, 3), day(1, 3), engine.RetransmissionNoData},
		{day(1, 5), day(1, 3), engine.RetransmissionFailure},
		{day(1, 1), day(1, 11), engine.RetransmissionOutsideTimeframe},
		{time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), day(1, 3), engine.RetransmissionOutsideTimeframe},
	}
	for _, tc := range cases {
		res, err := env.Engine.RequestRetransmission(ctx, pr.PermissionID, tc.from, tc.to)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Kind, "%s..%s", tc.from.Format("01-02"), tc.to.Format("01-02"))
	}

	opts := validOptions()
	opts.Region = "at-plain"
	opts.MeteringPointID = "mp"
	other, err := env.Engine.CreatePermissionRequest(ctx, opts)
	require.NoError(t, err)
	env.commit(t, other.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)
	res, err = env.Engine.RequestRetransmission(ctx, other.PermissionID, day(1, 2), day(1, 3))
	require.NoError(t, err)
	assert.Equal(t, engine.RetransmissionNotSupported, res.Kind)
}

func TestRetransmissionNeedsPastDates(t *testing.T) {
	env := newTestEnv(t)
	opts := validOptions()
	opts.Start = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	opts.End = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, opts)
	require.NoError(t, err)
	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)

	res, err := env.Engine.RequestRetransmission(env.Ctx, pr.PermissionID, opts.Start, now)
	require.NoError(t, err)
	assert.Equal(t, engine.RetransmissionNotSupported, res.Kind)
	assert.Equal(t, "Retransmission to date needs to be before today", res.Reason)
}

func TestResyncReplaysOpenRequests(t *testing.T) {
	env := newTestEnv(t)
	open, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	env.commit(t, open.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted)
	_, err = env.Outbox.Commit(env.Ctx, domain.MeterReadingEvent(open.PermissionID, now.Add(-time.Hour)))
	require.NoError(t, err)

	closed, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	env.commit(t, closed.PermissionID, domain.EventSentToAdministrator, domain.EventRejected)

	env.Emitted.reset()
	n, err := env.Engine.Resync(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, env.Emitted.got, 1)
	assert.Equal(t, open.PermissionID, env.Emitted.got[0].PermissionID)
	assert.Equal(t, domain.EventAccepted, env.Emitted.got[0].Type, "the latest status-changing event is replayed")

	hist, err := env.Engine.History(env.Ctx, open.PermissionID)
	require.NoError(t, err)
	assert.Len(t, hist, 5, "resync appends nothing")
}

func TestResyncFinishesInterruptedTermination(t *testing.T) {
	env := newTestEnv(t)
	pr, err := env.Engine.CreatePermissionRequest(env.Ctx, validOptions())
	require.NoError(t, err)
	env.commit(t, pr.PermissionID, domain.EventSentToAdministrator, domain.EventAccepted, domain.EventTerminated)

	env.Emitted.reset()
	n, err := env.Engine.Resync(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Engine.Get(env.Ctx, pr.PermissionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequiresExternalTermination, got.Status)
	require.Len(t, env.Emitted.got, 1)
	assert.Equal(t, domain.EventRequiresExternalTermination, env.Emitted.got[0].Type)
}
