package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressTracker correlates backend progress notifications with the
// downstream session whose call solicited them. Tokens are normalized on
// both the register and lookup paths because JSON transport turns integer
// tokens into float64 along the way.
type progressTracker struct {
	seq atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	sink progressSink
	seq  uint64
}

// progressCleanupGrace keeps a registration alive briefly after its call
// returns, since final notifications can race the result frame.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		sessions:     make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track registers the downstream sink for the carrier's progress token, if
// one is present, and returns the release function for the call's lifetime.
// Calls without a token are not tracked; the hub only relays progress the
// downstream client asked for.
func (pt *progressTracker) track(backend string, sink progressSink, carrier progressCarrier) func() {
	if carrier == nil || sink == nil {
		return func() {}
	}
	token := carrier.GetProgressToken()
	if token == nil {
		return func() {}
	}
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		pt.logWarn("progress token unsupported", backend, token)
		return func() {}
	}
	if normalized != token {
		ensureProgressMeta(carrier)
		carrier.SetProgressToken(normalized)
	}
	return pt.register(backend, normalized, sink)
}

func (pt *progressTracker) register(backend string, token any, sink progressSink) func() {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		pt.logWarn("progress token unsupported", backend, token)
		return func() {}
	}
	key, ok := progressMapKey(backend, normalized)
	if !ok {
		return func() {}
	}
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.sessions[key] = progressRegistration{sink: sink, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, sink, seq)
	}
}

func (pt *progressTracker) removeLater(key string, sink progressSink, seq uint64) {
	grace := pt.cleanupGrace
	if grace <= 0 {
		pt.removeIfMatch(key, sink, seq)
		return
	}
	time.AfterFunc(grace, func() {
		pt.removeIfMatch(key, sink, seq)
	})
}

// removeIfMatch drops the registration unless the token was reused by a
// newer call in the meantime.
func (pt *progressTracker) removeIfMatch(key string, sink progressSink, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.sessions[key]; ok && current.seq == seq && current.sink == sink {
		delete(pt.sessions, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(backend string, token any) progressSink {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		pt.logWarn("progress token unsupported", backend, token)
		return nil
	}
	key, ok := progressMapKey(backend, normalized)
	if !ok {
		return nil
	}
	pt.mu.RLock()
	sink := pt.sessions[key].sink
	pt.mu.RUnlock()
	return sink
}

func (pt *progressTracker) logWarn(msg, backend string, token any) {
	if pt.logger == nil {
		return
	}
	pt.logger.Warn(msg, "backend", backend, "token", token)
}

func progressMapKey(backend string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return backend + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	case int:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	case int32:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	default:
		return "", false
	}
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return normalizeFloatToken(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return normalizeFloatToken(f)
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// normalizeFloatToken folds JSON numbers back into integer tokens where the
// value is integral; fractional values keep a stable string form.
func normalizeFloatToken(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if math.Trunc(f) == f {
		return int64(f), true
	}
	return fmt.Sprintf("%g", f), true
}

func ensureProgressMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
