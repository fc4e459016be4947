package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
	"github.com/jkaninda/relay/internal/observability"
	"github.com/jkaninda/relay/internal/ratelimit"
	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/storage"
	"github.com/jkaninda/relay/internal/tools"
	"github.com/jkaninda/relay/internal/tools/message"
)

const testKey = "test-key"

type fakeGateways []gateway.Status

func (f fakeGateways) Statuses() []gateway.Status { return f }

type fixture struct {
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	handler http.Handler
}

func newFixture(t *testing.T, rl *ratelimit.Limiter) *fixture {
	t.Helper()
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)

	db, err := storage.Open(storage.Config{
		Driver: storage.DriverSQLite,
		SQLite: storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "relay.db")},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sched := scheduler.New(db.Jobs(), b, scheduler.Config{})

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(message.New(b, nil)))

	health := observability.NewHealthChecker("test", nil)
	health.AddCheck("storage", db.Ping)

	g := NewGateway(Config{
		APIKeys:       map[string]string{testKey: "ops"},
		HealthChecker: health,
	}, b, rl, nil).
		WithGateways(fakeGateways{{Channel: "discord", State: "connected"}, {Channel: "telegram", State: "dialing"}}).
		WithScheduler(sched).
		WithTools(reg)

	return &fixture{bus: b, sched: sched, handler: g.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/gateways", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing header")

	req = httptest.NewRequest(http.MethodGet, "/v1/gateways", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong key")

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health endpoints are public")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/gateways", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/v1/gateways", nil).Code)
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status observability.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "ok", status.Checks["storage"].Status)
}

func TestGateways(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/gateways", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []gateway.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "discord", statuses[0].Channel)
	assert.Equal(t, "connected", statuses[0].State)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.SubscribeOutbound()
	defer sub.Close()

	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{Channel: "discord", ChatID: "42", Content: "deploy finished"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "discord", msg.Channel)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "deploy finished", msg.Content)
	assert.Equal(t, "api", msg.Metadata["source"])
	assert.Equal(t, "ops", msg.Metadata["api_client"])
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		req  SendMessageRequest
		want int
	}{
		{"missing channel", SendMessageRequest{ChatID: "1", Content: "x"}, http.StatusBadRequest},
		{"missing chat", SendMessageRequest{Channel: "discord", Content: "x"}, http.StatusBadRequest},
		{"missing content", SendMessageRequest{Channel: "discord", ChatID: "1", Content: "  "}, http.StatusBadRequest},
		{"unknown channel", SendMessageRequest{Channel: "slack", ChatID: "1", Content: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, "/v1/messages", tt.req).Code)
		})
	}
}

func TestJobsLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs", JobRequest{Message: "daily digest", CronExpression: "0 9 * * *", DeliverTo: "42", DeliverChannel: "discord"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	assert.NotNil(t, job.NextRunAt)

	rec = f.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var disabled scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disabled))
	assert.Equal(t, job.ID, disabled.ID)
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextRunAt)

	sub := f.bus.SubscribeInbound()
	defer sub.Close()
	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daily digest", msg.Content)
	assert.Equal(t, scheduler.SenderID, msg.SenderID)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/jobs/missing/trigger", nil).Code)
}

func TestJobs_InvalidJob(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/jobs", JobRequest{Message: "x", IntervalSeconds: 60, CronExpression: "* * * * *"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTools(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var defs []tools.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, message.Name, defs[0].Name)

	sub := f.bus.SubscribeOutbound()
	defer sub.Close()

	rec = f.do(t, http.MethodPost, "/v1/tools/message", ToolRequest{
		Params:  map[string]any{"content": "hello"},
		Channel: "telegram",
		ChatID:  "7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result tools.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "telegram", msg.Channel)
	assert.Equal(t, "7", msg.ChatID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/tools/shell", ToolRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/tools/message", ToolRequest{Params: map[string]any{}}).Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	readUntil := func(substr string) bool {
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), substr) {
				return true
			}
		}
		return false
	}

	require.True(t, readUntil("ready"), "stream should announce readiness")
	f.bus.PublishEvent(bus.ConnectEvent("discord", ""))
	assert.True(t, readUntil(`"kind":"connect"`))
}

func TestEvents_UnknownTopic(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/events?topic=nope", nil).Code)
}
