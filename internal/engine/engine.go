package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/model"
	"github.com/audun/patchsilence/internal/store"
)

// TaskSource lists the patch tasks due within the horizon.
type TaskSource interface {
	UpcomingEvents(ctx context.Context, now time.Time) ([]model.PatchEvent, error)
}

// GroupDirectory lists the machines belonging to a group.
type GroupDirectory interface {
	Members(ctx context.Context, group string) ([]model.GroupMember, error)
}

// HostResolver turns a group member into an address and hostname.
type HostResolver interface {
	Resolve(ctx context.Context, m model.GroupMember) (model.ResolvedHost, error)
}

// NodeDirectory maps an IP address to the monitoring platform's node id.
// An unmonitored machine yields ("", nil).
type NodeDirectory interface {
	NodeIDByIP(ctx context.Context, ip string) (string, error)
}

// Gateway pushes unmanage windows to the monitoring platform.
type Gateway interface {
	Unmanage(ctx context.Context, w model.MaintenanceWindow) error
}

// Deps are the collaborators an engine drives.
type Deps struct {
	Tasks    TaskSource
	Groups   GroupDirectory
	Resolver HostResolver
	Nodes    NodeDirectory
	Gateway  Gateway
	Windows  store.WindowStore
	Locks    store.RunLocker
}

// Options are the run parameters.
type Options struct {
	WindowLength time.Duration
	LockTTL      time.Duration
	Interval     time.Duration
	Jitter       time.Duration
	// ExternalTimeout bounds each ledger call. The HTTP collaborators
	// carry their own client timeouts; zero leaves ledger calls on the
	// caller's context.
	ExternalTimeout time.Duration
}

// Engine reconciles the patch schedule against the monitoring platform: one
// maintenance window per upcoming patch event per monitored group member,
// deduplicated through the window ledger.
type Engine struct {
	logger  zerolog.Logger
	deps    Deps
	opts    Options
	metrics *Metrics

	mu      sync.Mutex
	lastRun *model.RunReport
}

func New(logger zerolog.Logger, deps Deps, opts Options, metrics *Metrics) *Engine {
	return &Engine{
		logger:  logger.With().Str("component", "engine").Logger(),
		deps:    deps,
		opts:    opts,
		metrics: metrics,
	}
}

// Run executes one reconciliation pass anchored at now. Failures on a single
// member are recorded in the report and skipped; only the run lock, the
// prune and the task fetch abort a run. A run that finds the lock held
// elsewhere returns a skipped report and no error.
func (e *Engine) Run(ctx context.Context, now time.Time) (*model.RunReport, error) {
	start := time.Now()
	report := &model.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: now,
	}
	logger := e.logger.With().Str("run_id", report.RunID).Logger()

	holder := store.NewLockHolder()
	lockCtx, cancel := e.externalCtx(ctx)
	ok, err := e.deps.Locks.AcquireRunLock(lockCtx, holder, e.opts.LockTTL)
	cancel()
	if err != nil {
		e.metrics.runTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		logger.Info().Msg("another run holds the lock, skipping")
		report.Skipped = true
		e.metrics.runTotal.WithLabelValues("skipped").Inc()
		e.setLastRun(report)
		return report, nil
	}
	defer func() {
		releaseCtx, cancel := e.externalCtx(ctx)
		defer cancel()
		if err := e.deps.Locks.ReleaseRunLock(releaseCtx, holder); err != nil {
			logger.Warn().Err(err).Msg("release run lock failed")
		}
	}()

	runErr := e.reconcile(ctx, logger, now, report)

	report.Duration = time.Since(start)
	e.metrics.runDuration.Observe(report.Duration.Seconds())
	e.metrics.lastRunUnix.Set(float64(time.Now().Unix()))
	e.setLastRun(report)

	if runErr != nil {
		e.metrics.runTotal.WithLabelValues("failure").Inc()
		logger.Error().Err(runErr).Dur("duration", report.Duration).Msg("reconciliation failed")
		return report, runErr
	}

	e.metrics.runTotal.WithLabelValues("success").Inc()
	logger.Info().
		Int64("pruned", report.Pruned).
		Int("events", report.Events).
		Int("members", report.Members).
		Int("scheduled", report.Scheduled).
		Int("already_scheduled", report.AlreadyScheduled).
		Int("not_monitored", report.NotMonitored).
		Int("failed", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("reconciliation completed")
	return report, nil
}

// externalCtx bounds one ledger call. Daemon runs start from a background
// context, so without this an unresponsive datastore stalls the loop.
func (e *Engine) externalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.ExternalTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.ExternalTimeout)
}

func (e *Engine) reconcile(ctx context.Context, logger zerolog.Logger, now time.Time, report *model.RunReport) error {
	// Prune first: a node whose window just ended must be schedulable again
	// in this same run.
	pruneCtx, cancel := e.externalCtx(ctx)
	pruned, err := e.deps.Windows.Prune(pruneCtx, now)
	cancel()
	if err != nil {
		return fmt.Errorf("prune expired windows: %w", err)
	}
	report.Pruned = pruned
	e.metrics.pruned.Add(float64(pruned))
	if pruned > 0 {
		logger.Info().Int64("pruned", pruned).Msg("expired windows removed")
	}

	events, err := e.deps.Tasks.UpcomingEvents(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch upcoming events: %w", err)
	}
	if len(events) == 0 {
		logger.Info().Msg("no pending patch tasks")
		return nil
	}
	report.Events = len(events)

	for _, event := range events {
		e.processEvent(ctx, logger, event, report)
	}
	return nil
}

func (e *Engine) processEvent(ctx context.Context, logger zerolog.Logger, event model.PatchEvent, report *model.RunReport) {
	logger = logger.With().Str("event", event.Name).Str("group", event.Group).Logger()

	members, err := e.deps.Groups.Members(ctx, event.Group)
	if err != nil {
		logger.Error().Err(err).Msg("group lookup failed")
		report.Fail(event.Name, event.Group, "", model.StageDirectory, err)
		e.metrics.members.WithLabelValues(model.OutcomeFailed).Inc()
		return
	}
	if len(members) == 0 {
		logger.Info().Msg("group has no members")
		return
	}

	base := model.MaintenanceWindow{
		Group:     event.Group,
		StartTime: event.RunTime,
		EndTime:   event.RunTime.Add(e.opts.WindowLength),
	}

	for _, member := range members {
		report.Members++
		outcome := e.processMember(ctx, logger, event, member, base, report)
		report.Record(outcome)
		e.metrics.members.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) processMember(ctx context.Context, logger zerolog.Logger, event model.PatchEvent, member model.GroupMember, window model.MaintenanceWindow, report *model.RunReport) string {
	logger = logger.With().Str("member", member.Identity).Logger()

	host, err := e.deps.Resolver.Resolve(ctx, member)
	if err != nil {
		logger.Error().Err(err).Msg("resolve failed")
		report.Fail(event.Name, event.Group, member.Identity, model.StageResolve, err)
		return model.OutcomeFailed
	}
	window.IPAddress = host.IPAddress
	window.Hostname = host.Hostname

	if host.IPAddress == "" {
		// A guest with no reported address cannot be matched to a node.
		logger.Warn().Msg("member has no address, treated as not monitored")
		return model.OutcomeNotMonitored
	}

	nodeID, err := e.deps.Nodes.NodeIDByIP(ctx, host.IPAddress)
	if err != nil {
		logger.Error().Err(err).Str("ip", host.IPAddress).Msg("node lookup failed")
		report.Fail(event.Name, event.Group, member.Identity, model.StageResolve, err)
		return model.OutcomeFailed
	}
	window.NodeID = nodeID

	return e.addWindow(ctx, logger, event, member, window, report)
}

// addWindow applies the dedup policy for one resolved member and, for new
// nodes, pushes the window to the platform after recording it.
func (e *Engine) addWindow(ctx context.Context, logger zerolog.Logger, event model.PatchEvent, member model.GroupMember, w model.MaintenanceWindow, report *model.RunReport) string {
	if w.NodeID == "" {
		logger.Warn().Str("ip", w.IPAddress).Msg("machine not monitored, nothing to silence")
		return model.OutcomeNotMonitored
	}
	logger = logger.With().Str("node_id", w.NodeID).Logger()

	existsCtx, cancel := e.externalCtx(ctx)
	exists, err := e.deps.Windows.Exists(existsCtx, w.NodeID)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("window lookup failed")
		report.Fail(event.Name, event.Group, member.Identity, model.StageStore, err)
		return model.OutcomeFailed
	}
	if exists {
		logger.Debug().Msg("window already scheduled")
		return model.OutcomeAlreadyScheduled
	}

	insertCtx, cancel := e.externalCtx(ctx)
	err = e.deps.Windows.Insert(insertCtx, w)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrDuplicateWindow) {
			logger.Info().Msg("window already scheduled by a concurrent run")
			return model.OutcomeAlreadyScheduled
		}
		logger.Error().Err(err).Msg("window insert failed")
		report.Fail(event.Name, event.Group, member.Identity, model.StageStore, err)
		return model.OutcomeFailed
	}

	if err := e.deps.Gateway.Unmanage(ctx, w); err != nil {
		// No rollback: the ledger row stays and the gap is surfaced in the
		// report for operator follow-up.
		logger.Error().Err(err).
			Time("start", w.StartTime).
			Time("end", w.EndTime).
			Msg("unmanage push failed after ledger insert")
		report.Fail(event.Name, event.Group, member.Identity, model.StageGateway, err)
		return model.OutcomeFailed
	}

	logger.Info().
		Time("start", w.StartTime).
		Time("end", w.EndTime).
		Msg("maintenance window scheduled")
	return model.OutcomeScheduled
}

func (e *Engine) setLastRun(r *model.RunReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRun = r
}

// LastRun returns the most recent run's report, if any run has finished.
func (e *Engine) LastRun() (model.RunReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRun == nil {
		return model.RunReport{}, false
	}
	return *e.lastRun, true
}

// RunLoop runs the engine on a ticker until ctx is cancelled: one run right
// after the startup jitter, then one per interval tick. Runs themselves are
// not cancelled by ctx; shutdown waits for the in-flight run.
func (e *Engine) RunLoop(ctx context.Context) {
	var jitter time.Duration
	if e.opts.Jitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(e.opts.Jitter)))
	}
	e.logger.Info().
		Dur("interval", e.opts.Interval).
		Dur("jitter", jitter).
		Msg("starting reconciliation loop")

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.Run(context.Background(), time.Now()); err != nil {
			e.logger.Error().Err(err).Msg("scheduled run failed")
		}
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("reconciliation loop stopped")
			return
		case <-ticker.C:
		}
	}
}
