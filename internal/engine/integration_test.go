package engine

// End-to-end pipeline tests: the real HTTP clients against local fakes of
// the scheduler, the machine directory, a virtualization host and the
// monitoring platform, with a real in-memory sqlite ledger underneath.
// Only DNS is stubbed.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audun/patchsilence/internal/config"
	"github.com/audun/patchsilence/internal/directory"
	"github.com/audun/patchsilence/internal/model"
	"github.com/audun/patchsilence/internal/monitoring"
	"github.com/audun/patchsilence/internal/resolve"
	"github.com/audun/patchsilence/internal/scheduler"
	"github.com/audun/patchsilence/internal/store"
	"github.com/audun/patchsilence/internal/virt"
)

// staticDNS resolves from a fixed table.
type staticDNS map[string][]string

func (d staticDNS) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := d[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addrs, nil
}

type unmanagePush struct {
	NodeID  string
	Start   string
	End     string
	IsDelta bool
}

// fakeSite bundles the external services one run talks to, plus the state
// the test asserts on afterwards.
type fakeSite struct {
	scheduler  *httptest.Server
	directory  *httptest.Server
	virtHost   *httptest.Server
	monitoring *httptest.Server

	pushes         []unmanagePush
	sessionsOpened int
	sessionsClosed int
}

func respondJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// newFakeSite stands up one scheduler task ("Patch linux prod" at
// testRunTime, plus one beyond the horizon), a linux-prod group with a
// guest, a physical machine and an unmonitored machine, the guest's
// virtualization host, and a monitoring platform that knows the first two.
func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	site := &fakeSite{}

	virtMux := http.NewServeMux()
	virtMux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok && user == "svc-patch" && pass == "secret", "bad virt credentials")
		site.sessionsOpened++
		respondJSON(t, w, "session-abc")
	})
	virtMux.HandleFunc("DELETE /api/session", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "session-abc", r.Header.Get("X-Session-Token"))
		site.sessionsClosed++
		w.WriteHeader(http.StatusNoContent)
	})
	virtMux.HandleFunc("GET /api/guests/web01/addresses", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, map[string][]string{"addresses": {"10.0.0.5"}})
	})
	virtMux.HandleFunc("GET /api/guests/web01/hostname", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, map[string]string{"hostname": "web01.internal"})
	})
	site.virtHost = httptest.NewServer(virtMux)
	t.Cleanup(site.virtHost.Close)

	site.scheduler = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks", r.URL.Path)
		respondJSON(t, w, map[string]any{
			"tasks": []map[string]any{
				{
					"name":          "linux-prod-patch",
					"description":   "Patch linux prod",
					"next_run_time": testRunTime.Format(time.RFC3339),
				},
				{
					"name":          "linux-prod-patch",
					"description":   "Patch linux prod",
					"next_run_time": testRunTime.Add(7 * 24 * time.Hour).Format(time.RFC3339),
				},
			},
		})
	}))
	t.Cleanup(site.scheduler.Close)

	// The guest entry carries the virtualization host after the first
	// delimiter; the fake's URL keeps its scheme so the client dials it as-is.
	site.directory = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/groups/linux-prod/members", r.URL.Path)
		respondJSON(t, w, map[string][]string{
			"members": {"web01:" + site.virtHost.URL, "db01", "legacy01"},
		})
	}))
	t.Cleanup(site.directory.Close)

	monMux := http.NewServeMux()
	monMux.HandleFunc("GET /api/v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("ip") {
		case "10.0.0.5":
			respondJSON(t, w, map[string]any{"nodes": []map[string]string{{"id": "123"}}})
		case "10.0.0.9":
			respondJSON(t, w, map[string]any{"nodes": []map[string]string{{"id": "456"}}})
		default:
			http.Error(w, "no node matches", http.StatusNotFound)
		}
	})
	monMux.HandleFunc("POST /api/v1/nodes/{node}/unmanage", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Start   string `json:"start"`
			End     string `json:"end"`
			IsDelta bool   `json:"is_delta"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		site.pushes = append(site.pushes, unmanagePush{
			NodeID:  r.PathValue("node"),
			Start:   body.Start,
			End:     body.End,
			IsDelta: body.IsDelta,
		})
		w.WriteHeader(http.StatusCreated)
	})
	site.monitoring = httptest.NewServer(monMux)
	t.Cleanup(site.monitoring.Close)

	return site
}

func newIntegrationEngine(t *testing.T, site *fakeSite, st store.Store) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	timeout := 5 * time.Second

	sched := scheduler.NewClient(
		config.SchedulerConfig{BaseURL: site.scheduler.URL, Token: "test-token", TaskPath: "/patching/linux"},
		map[string]string{"Patch linux prod": "linux-prod"},
		24*time.Hour, timeout, logger,
	)
	groups := directory.NewClient(
		config.GroupsConfig{BaseURL: site.directory.URL, Delimiter: ":"},
		timeout, logger,
	)
	virtClient := virt.NewClient(
		config.VirtConfig{Username: "svc-patch", Password: "secret"},
		timeout, logger,
	)
	dns := staticDNS{
		"db01":     {"10.0.0.9"},
		"legacy01": {"10.0.0.77"},
	}
	resolver := resolve.NewResolver(resolve.NewVirtOpener(virtClient), dns, timeout, logger)
	mon := monitoring.NewClient(
		config.MonitoringConfig{BaseURL: site.monitoring.URL, Username: "svc-patch", Password: "secret"},
		timeout, logger,
	)

	return New(logger, Deps{
		Tasks:    sched,
		Groups:   groups,
		Resolver: resolver,
		Nodes:    mon,
		Gateway:  mon,
		Windows:  st,
		Locks:    st,
	}, Options{
		WindowLength:    45 * time.Minute,
		LockTTL:         time.Hour,
		ExternalTimeout: timeout,
	}, NewMetrics(prometheus.NewRegistry()))
}

func newLedger(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A pooled second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db, "sqlite"))
	t.Cleanup(func() { db.Close() })
	return store.NewSQLite(db, zerolog.Nop())
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t)
	st := newLedger(t)
	eng := newIntegrationEngine(t, site, st)

	// A window that ended an hour ago must be pruned before scheduling.
	require.NoError(t, st.Insert(ctx, model.MaintenanceWindow{
		NodeID:    "999",
		IPAddress: "10.0.0.99",
		Hostname:  "old01.internal",
		Group:     "linux-prod",
		StartTime: testNow.Add(-2 * time.Hour),
		EndTime:   testNow.Add(-time.Hour),
	}))

	report, err := eng.Run(ctx, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Pruned)
	assert.Equal(t, 1, report.Events, "the beyond-horizon task must be dropped")
	assert.Equal(t, 3, report.Members)
	assert.Equal(t, 2, report.Scheduled)
	assert.Equal(t, 1, report.NotMonitored, "legacy01 has no node on the platform")
	assert.Equal(t, 0, report.AlreadyScheduled)
	assert.Empty(t, report.Failures)

	windows, err := st.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	byNode := map[string]model.MaintenanceWindow{}
	for _, w := range windows {
		byNode[w.NodeID] = w
	}

	web, ok := byNode["123"]
	require.True(t, ok, "no window for the guest's node")
	assert.Equal(t, "10.0.0.5", web.IPAddress)
	assert.Equal(t, "web01.internal", web.Hostname)
	assert.Equal(t, "linux-prod", web.Group)
	assert.True(t, web.StartTime.Equal(testRunTime))
	assert.True(t, web.EndTime.Equal(testRunTime.Add(45*time.Minute)))

	db, ok := byNode["456"]
	require.True(t, ok, "no window for the physical machine's node")
	assert.Equal(t, "10.0.0.9", db.IPAddress)
	assert.Equal(t, "db01", db.Hostname)

	require.Len(t, site.pushes, 2)
	for _, p := range site.pushes {
		assert.Equal(t, "2026-03-14T14:00:00Z", p.Start)
		assert.Equal(t, "2026-03-14T14:45:00Z", p.End)
		assert.False(t, p.IsDelta)
	}
	pushed := map[string]bool{}
	for _, p := range site.pushes {
		pushed[p.NodeID] = true
	}
	assert.True(t, pushed["123"] && pushed["456"])

	assert.Equal(t, 1, site.sessionsOpened)
	assert.Equal(t, site.sessionsOpened, site.sessionsClosed, "virt sessions must be balanced")
}

func TestEngine_EndToEnd_SecondRunConverges(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t)
	st := newLedger(t)
	eng := newIntegrationEngine(t, site, st)

	_, err := eng.Run(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, site.pushes, 2)

	report, err := eng.Run(ctx, testNow)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Scheduled)
	assert.Equal(t, 2, report.AlreadyScheduled)
	assert.Equal(t, 1, report.NotMonitored)
	assert.Empty(t, report.Failures)
	assert.Len(t, site.pushes, 2, "already-scheduled nodes must not be pushed again")

	windows, err := st.SelectAll(ctx)
	require.NoError(t, err)
	assert.Len(t, windows, 2)
}
