// Package gc implements the GC Scheduler (C14): a periodic sweep across
// sessions, the dedup/prompt cache, the approval queue, and the
// undo manager, plus emergency cleanup on a critical memory alert, per
// spec §4.14.
package gc

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atlasgw/atlas/internal/logging"
)

// SessionRepo is the narrow storage dependency for session/device cleanup.
type SessionRepo interface {
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error)
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error)
}

// ApprovalSweeper is satisfied by *approval.Queue.
type ApprovalSweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
}

// AuditPruner trims audit entries past the retention window.
type AuditPruner interface {
	PruneAuditLog(ctx context.Context, before time.Time) (int, error)
}

// CacheSweeper is satisfied by *cache.Cache for both the dedup cache and
// the prompt cache instance, each registered separately.
type CacheSweeper interface {
	SweepExpired() int
}

// UndoSweeper is satisfied by *execution.Manager.
type UndoSweeper interface {
	SweepExpiredTickets(ctx context.Context) (int, error)
}

// Report is one sweep's result tuple, per spec §4.14.
type Report struct {
	Sessions     int
	CacheEntries int
	Approvals    int
	MemoryFreed  uint64
	DurationMs   int64
	Timestamp    time.Time
	Emergency    bool
}

// Scheduler runs the periodic and emergency GC passes and retains the
// last 100 run reports.
type Scheduler struct {
	sessions  SessionRepo
	approvals ApprovalSweeper
	audit     AuditPruner
	caches    []CacheSweeper
	undo      UndoSweeper

	auditRetention time.Duration
	memThreshold   float64

	mu      sync.Mutex
	history []Report

	cron    *cron.Cron
	entryID cron.EntryID
	started bool
}

// Config wires the Scheduler's collaborators. Any nil field is skipped
// during a sweep rather than treated as an error, since not every
// deployment runs every component (e.g. a read-only audit viewer has no
// approval queue).
type Config struct {
	Sessions       SessionRepo
	Approvals      ApprovalSweeper
	Audit          AuditPruner
	Caches         []CacheSweeper
	Undo           UndoSweeper
	Interval       time.Duration
	AuditRetention time.Duration
	MemThreshold   float64
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 90 * 24 * time.Hour
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 0.6
	}
	return &Scheduler{
		sessions: cfg.Sessions, approvals: cfg.Approvals, audit: cfg.Audit, caches: cfg.Caches, undo: cfg.Undo,
		auditRetention: cfg.AuditRetention, memThreshold: cfg.MemThreshold,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// intervalSpec renders d as a cron "@every" spec.
func intervalSpec(d time.Duration) string {
	return "@every " + d.String()
}

// Start registers the periodic sweep and begins cron execution. Start is
// idempotent; calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	id, err := s.cron.AddFunc(intervalSpec(interval), func() {
		s.runLocked(ctx, false)
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.started = true
	logging.Logger().Info("gc scheduler started", "interval", interval.String())
	return nil
}

// Stop halts future ticks; a sweep already in flight is allowed to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cron.Remove(s.entryID)
	stopped := s.cron.Stop()
	s.started = false
	s.mu.Unlock()
	// Wait without holding s.mu: an in-flight sweep takes it to record its report.
	<-stopped.Done()
	logging.Logger().Info("gc scheduler stopped")
}

// runLocked performs one sweep and appends the report to history. It
// acquires its own lock for history bookkeeping rather than holding the
// scheduler's Start/Stop lock across the sweep, so concurrent
// RunEmergency/Start calls don't deadlock with an in-flight sweep.
func (s *Scheduler) runLocked(ctx context.Context, emergency bool) Report {
	start := time.Now().UTC()

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	report := Report{Timestamp: start, Emergency: emergency}

	if s.sessions != nil {
		n, err := s.sessions.DeleteExpiredRefreshTokens(ctx, start)
		if err != nil {
			logging.Logger().Warn("gc: session sweep failed", "err", err)
		} else {
			report.Sessions += n
		}
		if _, err := s.sessions.DeleteExpiredChallenges(ctx, start); err != nil {
			logging.Logger().Warn("gc: challenge sweep failed", "err", err)
		}
	}

	for _, c := range s.caches {
		report.CacheEntries += c.SweepExpired()
	}

	if s.approvals != nil {
		n, err := s.approvals.ExpireSweep(ctx)
		if err != nil {
			logging.Logger().Warn("gc: approval sweep failed", "err", err)
		} else {
			report.Approvals += n
		}
	}

	if s.audit != nil {
		if _, err := s.audit.PruneAuditLog(ctx, start.Add(-s.auditRetention)); err != nil {
			logging.Logger().Warn("gc: audit prune failed", "err", err)
		}
	}

	if s.undo != nil {
		if _, err := s.undo.SweepExpiredTickets(ctx); err != nil {
			logging.Logger().Warn("gc: undo ticket sweep failed", "err", err)
		}
	}

	if emergency {
		debug.FreeOSMemory()
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	if memBefore.HeapInuse > memAfter.HeapInuse {
		report.MemoryFreed = memBefore.HeapInuse - memAfter.HeapInuse
	}
	report.DurationMs = time.Since(start).Milliseconds()

	s.mu.Lock()
	s.history = append(s.history, report)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.mu.Unlock()

	logging.Logger().Info("gc sweep complete",
		"sessions", report.Sessions, "cache_entries", report.CacheEntries, "approvals", report.Approvals,
		"memory_freed", report.MemoryFreed, "duration_ms", report.DurationMs, "emergency", emergency)
	return report
}

// Run executes one sweep immediately, outside the cron schedule, and
// returns its report, for callers that want a synchronous result.
func (s *Scheduler) Run(ctx context.Context) Report {
	return s.runLocked(ctx, false)
}

// MemoryUtilization reports the current heap-in-use fraction of total
// bytes obtained from the OS.
func MemoryUtilization() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.Sys)
}

// RunEmergency runs an immediate sweep plus a process-level GC hint, as
// triggered by a critical memory-alert event. The caller decides when
// MemoryUtilization crosses its configured threshold; this method
// doesn't poll it itself, keeping the decision and the action separate.
func (s *Scheduler) RunEmergency(ctx context.Context) Report {
	return s.runLocked(ctx, true)
}

// MemoryThresholdExceeded reports whether current utilization is at or
// above the configured emergency threshold.
func (s *Scheduler) MemoryThresholdExceeded() bool {
	return MemoryUtilization() >= s.memThreshold
}

// History returns up to the last 100 sweep reports, oldest first.
func (s *Scheduler) History() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.history))
	copy(out, s.history)
	return out
}
