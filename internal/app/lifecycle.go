package app

import (
	"log/slog"
	"sync/atomic"

	"chatsync/internal/realtime"
)

// ForegroundTracker translates app visibility transitions into the
// realtime pool's grace lifecycle. Repeated notifications of the same
// state are no-ops, so platform layers can report visibility changes
// without edge filtering.
type ForegroundTracker struct {
	foreground atomic.Bool
	realtime   *realtime.Manager
	logger     *slog.Logger
}

func NewForegroundTracker(m *realtime.Manager, logger *slog.Logger) *ForegroundTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ForegroundTracker{realtime: m, logger: logger}
	t.foreground.Store(true)

	return t
}

func (t *ForegroundTracker) EnterBackground() {
	if !t.foreground.CompareAndSwap(true, false) {
		return
	}
	t.logger.Debug("app entered background")
	t.realtime.EnterBackground()
}

func (t *ForegroundTracker) EnterForeground() {
	if !t.foreground.CompareAndSwap(false, true) {
		return
	}
	t.logger.Debug("app entered foreground")
	t.realtime.EnterForeground()
}

func (t *ForegroundTracker) Foreground() bool {
	return t.foreground.Load()
}
