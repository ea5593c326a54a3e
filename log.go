package cryptosocket

import (
	"log/slog"
	"sync/atomic"
)

// nextEngineID hands out the stable per-instance tag spec.md §6 requires
// ("identified by a stable instance tag"), mirroring the identity hash
// the original implementation logged for each SSLEngine instance.
var nextEngineID atomic.Uint64

func newEngineID() uint64 { return nextEngineID.Add(1) }

// instanceLogger wraps a *slog.Logger with the fixed engine_id attribute
// every log call in this package must carry, and exposes the one
// structured event shape spec.md §6/§9 asks for: a fixed event kind plus
// a free-form detail.
type instanceLogger struct {
	log      *slog.Logger
	engineID uint64
}

func newInstanceLogger(base *slog.Logger, engineID uint64) *instanceLogger {
	if base == nil {
		base = slog.Default()
	}
	return &instanceLogger{log: base, engineID: engineID}
}

func (l *instanceLogger) event(kind, detail string) {
	l.log.Info("cryptosocket event", "engine_id", l.engineID, "event", kind, "detail", detail)
}

func (l *instanceLogger) transition(from, to string) {
	l.event("state", from+" => "+to)
}
