package badges

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/backend"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/ratelimit"
)

// RefreshReason tags what triggered a badge refresh, for logs and for
// the user-action throttle.
type RefreshReason string

const (
	ReasonForeground   RefreshReason = "foreground"
	ReasonRealtime     RefreshReason = "realtime_event"
	ReasonTimer        RefreshReason = "timer"
	ReasonUserAction   RefreshReason = "user_action"
	ReasonConnectivity RefreshReason = "connectivity"
	ReasonIdentity     RefreshReason = "identity"
)

const (
	rpcBadgeCounts = "badge_counts"
	limiterAction  = "badge_refresh"
)

// RPCClient is the aggregate-function slice of the backend client.
type RPCClient interface {
	RPC(ctx context.Context, fn string, args, dest any) error
}

// AggregatorConfig wires an Aggregator's collaborators.
type AggregatorConfig struct {
	RPC     RPCClient
	Limiter *ratelimit.Limiter
	Bus     bus.MessageBus
	Repo    domain.BadgeRepository
	Config  config.BadgeConfig
	Logger  *slog.Logger
	Now     func() time.Time
}

// Aggregator owns the authoritative unread badge state. One batched
// server call returns every surface total plus detail breakdowns;
// refreshes are debounced across trigger sources and backed off on
// failure, serving the last-known-good payload marked stale instead of
// surfacing errors. A hybrid poll loop converges fast while the
// realtime feed is up and falls back to a slow safety-net cadence
// while it is down.
type Aggregator struct {
	rpc     RPCClient
	limiter *ratelimit.Limiter
	bus     bus.MessageBus
	repo    domain.BadgeRepository
	cfg     config.BadgeConfig
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	userID       string
	current      domain.BadgeCounts
	hasCurrent   bool
	inFlight     bool
	lastAttempt  time.Time
	backoffUntil time.Time
	failures     int
	connected    bool

	snapshots chan domain.BadgeCounts
	wake      chan struct{}
	startOnce sync.Once
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	conf := cfg.Config
	if conf.Debounce <= 0 {
		conf.Debounce = config.Duration(config.DefaultBadgeDebounce)
	}
	if conf.PollConnected <= 0 {
		conf.PollConnected = config.Duration(config.DefaultPollConnected)
	}
	if conf.PollDisconnected <= 0 {
		conf.PollDisconnected = config.Duration(config.DefaultPollDisconnected)
	}
	if conf.SchemaBackoff <= 0 {
		conf.SchemaBackoff = config.Duration(config.DefaultSchemaBackoff)
	}
	if conf.TransientBackoff <= 0 {
		conf.TransientBackoff = config.Duration(config.DefaultTransientBackoff)
	}
	if conf.TransientBackoffMax < conf.TransientBackoff {
		conf.TransientBackoffMax = config.Duration(config.DefaultTransientBackoffMax)
	}
	if conf.RecoveryThreshold <= 0 {
		conf.RecoveryThreshold = config.DefaultRecoveryThreshold
	}

	return &Aggregator{
		rpc:       cfg.RPC,
		limiter:   cfg.Limiter,
		bus:       cfg.Bus,
		repo:      cfg.Repo,
		cfg:       conf,
		logger:    logger,
		now:       now,
		snapshots: make(chan domain.BadgeCounts, 1),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the poll loop and the bus consumers. Safe to call
// once; later calls are no-ops.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.run(ctx)
	})
}

// Snapshots yields the latest badge payload; an unread value is
// replaced rather than queued, so consumers always see the freshest
// state.
func (a *Aggregator) Snapshots() <-chan domain.BadgeCounts {
	return a.snapshots
}

// CurrentSnapshot returns the last computed payload, if any.
func (a *Aggregator) CurrentSnapshot() (domain.BadgeCounts, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.current.Clone(), a.hasCurrent
}

func (a *Aggregator) run(ctx context.Context) {
	connSub := a.bus.Subscribe(events.TopicConnStatus)
	clearSub := a.bus.Subscribe(events.TopicBadgeCleared)
	changeSub := a.bus.Subscribe(events.TopicChangeEvent)
	defer func() {
		a.bus.Unsubscribe(connSub, events.TopicConnStatus)
		a.bus.Unsubscribe(clearSub, events.TopicBadgeCleared)
		a.bus.Unsubscribe(changeSub, events.TopicChangeEvent)
	}()

	ticker := time.NewTicker(a.cadence())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh(ctx, ReasonTimer)
		case <-a.wake:
			ticker.Reset(a.cadence())
			a.Refresh(ctx, ReasonIdentity)
		case raw, ok := <-connSub:
			if !ok {
				return
			}
			status, ok := raw.(events.ConnectionStatus)
			if !ok {
				continue
			}
			if a.setConnected(status.State == events.ConnectionStateConnected) {
				ticker.Reset(a.cadence())
				a.Refresh(ctx, ReasonConnectivity)
			}
		case raw, ok := <-clearSub:
			if !ok {
				return
			}
			if cleared, ok := raw.(events.BadgeCleared); ok {
				a.ClearConversation(cleared.ConversationID)
			}
		case raw, ok := <-changeSub:
			if !ok {
				return
			}
			change, ok := raw.(events.ChangeEvent)
			if !ok || change.Table != "messages" {
				continue
			}
			a.Refresh(ctx, ReasonRealtime)
		}
	}
}

func (a *Aggregator) cadence() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return a.cfg.PollConnected.Std()
	}

	return a.cfg.PollDisconnected.Std()
}

func (a *Aggregator) setConnected(connected bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected == connected {
		return false
	}
	a.connected = connected

	return true
}

type badgeCountsRow struct {
	Requests           int            `json:"requests"`
	Messages           int            `json:"messages"`
	Community          int            `json:"community"`
	Bell               int            `json:"bell"`
	ConversationCounts map[string]int `json:"conversation_counts"`
	RequestCounts      map[string]int `json:"request_counts"`
}

// Refresh recomputes every badge surface in one batched server call.
// It returns without work while another refresh is in flight, within
// the debounce window of the previous attempt, or within a failure
// backoff window. Errors never escape: failures degrade the payload to
// last-known-good (or zeros) marked stale.
func (a *Aggregator) Refresh(ctx context.Context, reason RefreshReason) {
	a.mu.Lock()
	userID := a.userID
	if userID == "" {
		a.mu.Unlock()

		return
	}
	now := a.now()
	if a.inFlight {
		a.mu.Unlock()
		a.logger.Debug("badge refresh skipped, already in flight", "reason", reason)

		return
	}
	if !a.lastAttempt.IsZero() && now.Sub(a.lastAttempt) < a.cfg.Debounce.Std() {
		a.mu.Unlock()
		a.logger.Debug("badge refresh debounced", "reason", reason)

		return
	}
	if now.Before(a.backoffUntil) {
		a.mu.Unlock()
		a.logger.Debug("badge refresh suppressed by backoff", "reason", reason, "until", a.backoffUntil)

		return
	}
	if reason == ReasonUserAction && a.limiter != nil {
		if !a.limiter.CheckAndRecord(limiterAction, a.cfg.Debounce.Std()) {
			a.mu.Unlock()
			a.logger.Debug("user badge refresh throttled")

			return
		}
	}
	a.inFlight = true
	a.lastAttempt = now
	a.mu.Unlock()

	var row badgeCountsRow
	err := a.rpc.RPC(ctx, rpcBadgeCounts, map[string]any{"p_user_id": userID}, &row)

	if err != nil {
		a.applyFailure(userID, reason, err)

		return
	}
	a.applySuccess(userID, reason, row)
}

func (a *Aggregator) applySuccess(userID string, reason RefreshReason, row badgeCountsRow) {
	a.mu.Lock()
	a.inFlight = false
	if a.userID != userID {
		// Identity rotated while the fetch was in flight; the result
		// belongs to the previous account.
		a.mu.Unlock()

		return
	}
	recovered := a.failures
	a.failures = 0
	a.backoffUntil = time.Time{}
	a.current = normalizeCounts(row, a.now().UTC())
	a.hasCurrent = true
	snap := a.pushSnapshotLocked()
	a.mu.Unlock()

	if recovered >= a.cfg.RecoveryThreshold {
		a.logger.Info("badge refresh recovered", "failures", recovered, "reason", reason)
	} else if recovered > 0 {
		a.logger.Debug("badge refresh recovered", "failures", recovered, "reason", reason)
	}
	a.logger.Debug("badges refreshed",
		"reason", reason,
		"requests", snap.Requests,
		"messages", snap.Messages,
		"bell", snap.Bell,
	)
	a.broadcast(userID, snap)
}

func (a *Aggregator) applyFailure(userID string, reason RefreshReason, err error) {
	a.mu.Lock()
	a.inFlight = false
	if a.userID != userID {
		a.mu.Unlock()

		return
	}
	a.failures++
	now := a.now()
	var window time.Duration
	if backend.IsSchemaMismatch(err) {
		window = a.cfg.SchemaBackoff.Std()
	} else {
		window = a.cfg.TransientBackoff.Std()
		for i := 1; i < a.failures; i++ {
			window *= 2
			if window >= a.cfg.TransientBackoffMax.Std() {
				window = a.cfg.TransientBackoffMax.Std()

				break
			}
		}
	}
	a.backoffUntil = now.Add(window)
	failures := a.failures

	if !a.hasCurrent {
		a.current = domain.BadgeCounts{FetchedAt: now.UTC()}
		a.hasCurrent = true
	}
	a.current.Stale = true
	snap := a.pushSnapshotLocked()
	a.mu.Unlock()

	a.logger.Warn("badge refresh failed, serving stale counts",
		"reason", reason,
		"failures", failures,
		"retry_after", window.String(),
		"error", err,
	)
	a.broadcast(userID, snap)
}

// normalizeCounts strips empty detail entries so the breakdown maps
// contain exactly the resources with unread activity.
func normalizeCounts(row badgeCountsRow, fetchedAt time.Time) domain.BadgeCounts {
	counts := domain.BadgeCounts{
		Requests:  row.Requests,
		Messages:  row.Messages,
		Community: row.Community,
		Bell:      row.Bell,
		FetchedAt: fetchedAt,
	}
	if len(row.ConversationCounts) > 0 {
		counts.ConversationCounts = make(map[string]int, len(row.ConversationCounts))
		for id, n := range row.ConversationCounts {
			if n > 0 {
				counts.ConversationCounts[id] = n
			}
		}
	}
	if len(row.RequestCounts) > 0 {
		counts.RequestCounts = make(map[string]int, len(row.RequestCounts))
		for id, n := range row.RequestCounts {
			if n > 0 {
				counts.RequestCounts[id] = n
			}
		}
	}

	return counts
}

// ClearConversation zeroes one conversation's unread contribution
// immediately, without waiting for the server. The next authoritative
// refresh reconciles any drift.
func (a *Aggregator) ClearConversation(conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	a.mu.Lock()
	if !a.hasCurrent {
		a.mu.Unlock()

		return
	}
	n, ok := a.current.ConversationCounts[conversationID]
	if !ok || n == 0 {
		a.mu.Unlock()

		return
	}
	delete(a.current.ConversationCounts, conversationID)
	a.current.Messages -= n
	if a.current.Messages < 0 {
		a.current.Messages = 0
	}
	userID := a.userID
	snap := a.pushSnapshotLocked()
	a.mu.Unlock()

	a.logger.Debug("conversation badge cleared optimistically", "conversation_id", conversationID, "count", n)
	a.broadcast(userID, snap)
}

// SetUser swaps the identity the badges belong to. All failure state
// resets; a persisted snapshot from an earlier launch seeds the
// payload marked stale until the first authoritative refresh. An empty
// user zeroes everything (sign-out).
func (a *Aggregator) SetUser(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)

	a.mu.Lock()
	if a.userID == userID {
		a.mu.Unlock()

		return
	}
	a.userID = userID
	a.failures = 0
	a.backoffUntil = time.Time{}
	a.lastAttempt = time.Time{}
	a.current = domain.BadgeCounts{}
	a.hasCurrent = false
	if userID == "" {
		a.current = domain.BadgeCounts{FetchedAt: a.now().UTC()}
		a.hasCurrent = true
		snap := a.pushSnapshotLocked()
		a.mu.Unlock()
		a.broadcast("", snap)

		return
	}
	a.mu.Unlock()

	if a.repo != nil {
		counts, found, err := a.repo.Load(ctx, userID)
		if err != nil {
			a.logger.Warn("persisted badge snapshot unavailable", "error", err)
		} else if found {
			a.mu.Lock()
			if a.userID == userID && !a.hasCurrent {
				counts.Stale = true
				a.current = counts
				a.hasCurrent = true
				snap := a.pushSnapshotLocked()
				a.mu.Unlock()
				a.logger.Debug("badge snapshot restored from disk", "fetched_at", counts.FetchedAt)
				a.broadcast(userID, snap)
			} else {
				a.mu.Unlock()
			}
		}
	}

	// Poke the poll loop so cadence and counts follow the new identity.
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) pushSnapshotLocked() domain.BadgeCounts {
	snap := a.current.Clone()
	select {
	case a.snapshots <- snap:
	default:
		// Replace the unread stale snapshot with the fresh one.
		select {
		case <-a.snapshots:
		default:
		}
		a.snapshots <- snap
	}

	return snap
}

func (a *Aggregator) broadcast(userID string, snap domain.BadgeCounts) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.TopicBadgeSnapshot, domain.BadgeSnapshot{UserID: userID, Counts: snap})
}
