package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CleanupReport lists what one sweep did.
type CleanupReport struct {
	Terminated   []string
	Unregistered []string
	SkippedBusy  int
}

// PerformSessionCleanup terminates active sessions idle for longer than
// maxAge and unregisters terminated sessions older than the retention
// window. Sessions with an execution in flight are never touched.
func (m *Manager) PerformSessionCleanup(ctx context.Context, maxAge time.Duration) (CleanupReport, error) {
	var report CleanupReport
	now := m.now()

	m.mu.Lock()
	for id, rec := range m.sessions {
		if rec.InFlight > 0 {
			if rec.Status == StatusActive && now.Sub(rec.LastActivity) > maxAge {
				report.SkippedBusy++
			}
			continue
		}
		switch rec.Status {
		case StatusActive:
			if now.Sub(rec.LastActivity) > maxAge {
				report.Terminated = append(report.Terminated, id)
			}
		case StatusTerminated:
			if now.Sub(rec.EndedAt) > m.cfg.Retention {
				report.Unregistered = append(report.Unregistered, id)
			}
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range report.Terminated {
		if err := m.TerminateSession(ctx, id, ReasonInactive); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("terminate %s: %w", id, err))
		}
	}
	for _, id := range report.Unregistered {
		if err := m.UnregisterSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
		}
	}

	if len(report.Terminated)+len(report.Unregistered)+report.SkippedBusy > 0 {
		m.logger.Info("session cleanup",
			"terminated", len(report.Terminated),
			"unregistered", len(report.Unregistered),
			"skipped_busy", report.SkippedBusy)
	}
	return report, errors.Join(errs...)
}

// Start runs PerformSessionCleanup every CleanupInterval with the
// configured InactivityTimeout until ctx is done or Close is called.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.cleanupLoop(loopCtx, m.loopDone)
}

func (m *Manager) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PerformSessionCleanup(ctx, m.cfg.InactivityTimeout); err != nil {
				m.logger.Warn("session cleanup failed", "err", err)
			}
		}
	}
}

// Close stops the cleanup task and waits for it to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
