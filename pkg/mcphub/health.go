package mcphub

import (
	"context"
	"errors"
	"sync"
	"time"
)

// supervisor drives the periodic health loop: probing live connections,
// degrading and disconnecting unhealthy ones, and reconnecting disconnected
// ones on the backoff schedule. One supervisor runs per started manager and
// owns the only periodic timer.
type supervisor struct {
	m *Manager

	interval     time.Duration
	probeTimeout time.Duration
	threshold    int
	maxAttempts  int
	backoff      func(int) time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

func newSupervisor(m *Manager) *supervisor {
	return &supervisor{
		m:            m,
		interval:     m.opts.HealthInterval,
		probeTimeout: m.opts.ProbeTimeout,
		threshold:    m.opts.UnhealthyThreshold,
		maxAttempts:  m.opts.MaxReconnectAttempts,
		backoff:      m.backoff,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stopCh:
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// stop halts the loop and waits for in-flight checks to finish.
func (s *supervisor) stop() {
	close(s.stopCh)
	<-s.doneCh
}

// tick fans each connection's check onto its own goroutine so one slow
// backend cannot stall the others. A connection whose previous check is
// still in flight is skipped rather than probed twice.
func (s *supervisor) tick(ctx context.Context) {
	for _, conn := range s.m.connections() {
		if !conn.tryBeginProbe() {
			continue
		}
		s.wg.Add(1)
		go func(conn *backendConn) {
			defer s.wg.Done()
			defer conn.endProbe()
			s.check(ctx, conn)
		}(conn)
	}
}

func (s *supervisor) check(ctx context.Context, conn *backendConn) {
	switch conn.currentState() {
	case StateConnected, StateDegraded:
		s.probe(ctx, conn)
	case StateDisconnected:
		s.reconnect(ctx, conn)
	}
}

// probe re-fetches the backend's capability lists, which both proves
// liveness and picks up catalog changes the backend never announced.
func (s *supervisor) probe(ctx context.Context, conn *backendConn) {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	start := time.Now()
	changed, err := conn.refreshCapabilities(pctx)
	cancel()
	s.m.observer.ProbeCompleted(conn.name(), time.Since(start), err)

	if err == nil {
		if conn.recordProbeSuccess() {
			conn.logger.Info("backend recovered")
		}
		if changed {
			s.m.rebuildCatalog()
		}
		return
	}

	if errors.Is(err, ErrNotConnected) {
		// The session died out from under the probe. Retire its catalog
		// entries now; the disconnected branch handles reconnection from the
		// next tick.
		s.m.reconcileCatalog()
		return
	}

	tripped := conn.recordProbeFailure(s.threshold, err)
	if !tripped {
		conn.logger.Warn("health probe failed", "error", err)
		return
	}
	conn.logger.Warn("unhealthy threshold reached, disconnecting", "error", err)
	dctx, cancel := context.WithTimeout(ctx, s.m.opts.DisconnectTimeout)
	_ = conn.disconnect(dctx)
	cancel()
	conn.scheduleReconnect(s.backoff(1))
	s.m.rebuildCatalog()
}

func (s *supervisor) reconnect(ctx context.Context, conn *backendConn) {
	// Entries contributed by this backend may still sit in the catalog when
	// the session died between ticks.
	s.m.reconcileCatalog()
	if !conn.reconnectDue(time.Now()) {
		return
	}
	err := conn.connect(ctx)
	if err == nil {
		conn.resetReconnect()
		conn.logger.Info("backend reconnected")
		s.m.rebuildCatalog()
		return
	}
	if conn.recordReconnectFailure(s.maxAttempts, s.backoff, err) {
		conn.logger.Error("reconnect budget exhausted, marking failed", "error", err)
		s.m.emit(BackendFailed{Name: conn.name(), Err: err})
		return
	}
	conn.logger.Warn("reconnect failed", "error", err)
}
