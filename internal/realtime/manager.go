package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
)

const (
	streamBuffer = 64
	leaveTimeout = 5 * time.Second

	// anonFingerprint marks channels created without a session token.
	anonFingerprint = "anon"
)

// ChannelStatus is the lifecycle state of one pool channel. Transitions
// happen only inside the manager: pending becomes active on the join
// acknowledgment, active becomes failed on a server-side channel error,
// and any state can be removed by unsubscribe, eviction or teardown.
type ChannelStatus string

const (
	ChannelPending ChannelStatus = "pending"
	ChannelActive  ChannelStatus = "active"
	ChannelFailed  ChannelStatus = "failed"
)

// ChannelInfo is a read-only view of one tracked channel.
type ChannelInfo struct {
	Name         string
	Table        string
	Filter       string
	Status       ChannelStatus
	Protected    bool
	SubscribedAt time.Time
}

type channelRecord struct {
	name         string
	table        string
	filter       string
	topic        string
	status       ChannelStatus
	fingerprint  string
	subscribedAt time.Time
	seq          uint64
	gen          uint64
	protected    bool
	stream       chan events.ChangeEvent
}

// rejoinTicket pins the generation a scheduled (re)join answers to.
// rec.gen keeps moving under m.mu as later rejoins and recreations
// retag the record, so join paths carry the generation they were cut
// for instead of reading it back from the record unlocked.
type rejoinTicket struct {
	rec *channelRecord
	gen uint64
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Feed   Feed
	Bus    bus.MessageBus
	Config config.RealtimeConfig
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the bounded pool of live change-feed channels. It
// enforces the subscription cap with oldest-first eviction that spares
// protected prefixes, rejoins every tracked channel after reconnects
// and credential rotation, and publishes aggregate connectivity on the
// bus.
type Manager struct {
	feed   Feed
	bus    bus.MessageBus
	cfg    config.RealtimeConfig
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	channels    map[string]*channelRecord
	token       string
	fingerprint string
	seqCounter  uint64
	genCounter  uint64
	feedUp      bool
	status      events.ConnectionStatus
	statusKnown bool
	graceTimer  *time.Timer
	graceGen    uint64

	// statusCh hands status snapshots to the publisher goroutine so no
	// bus delivery ever happens while m.mu is held.
	statusCh chan events.ConnectionStatus

	startOnce sync.Once
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	conf := cfg.Config
	if conf.MaxSubscriptions <= 0 {
		conf.MaxSubscriptions = config.DefaultMaxSubscriptions
	}
	if conf.BackgroundGrace <= 0 {
		conf.BackgroundGrace = config.Duration(config.DefaultBackgroundGrace)
	}

	return &Manager{
		feed:        cfg.Feed,
		bus:         cfg.Bus,
		cfg:         conf,
		logger:      logger,
		now:         now,
		channels:    make(map[string]*channelRecord),
		fingerprint: anonFingerprint,
		statusCh:    make(chan events.ConnectionStatus, 1),
	}
}

// Start launches the feed transport, the event consumer loop and the
// status publisher.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.feed.Start(ctx)
		go m.run(ctx)
		if m.bus != nil {
			go m.publishStatuses(ctx)
		}
	})
}

// Subscribe registers a live channel for change events on a table.
// Subscribing a name that is already active under the current
// credential is a no-op returning the existing stream; a channel
// created under rotated credentials is torn down and recreated. When
// the pool is full, one channel is evicted first. A subscribe failure
// leaves no channel registered under the name; callers fall back to
// polling and retry on their own schedule.
func (m *Manager) Subscribe(ctx context.Context, name, table, filter string) (<-chan events.ChangeEvent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("channel name is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("channel table is required")
	}

	m.mu.Lock()
	var adopted chan events.ChangeEvent
	if existing, ok := m.channels[name]; ok {
		if existing.status == ChannelActive && existing.fingerprint == m.fingerprint {
			stream := existing.stream
			m.mu.Unlock()
			m.logger.Debug("subscribe reuses active channel", "channel", name)

			return stream, nil
		}
		// Stale credentials or a dead prior attempt: recreate, keeping
		// the stream so attached consumers survive the swap. No server
		// leave here: the fresh join below replaces the server-side
		// channel for this topic, while a trailing leave could land
		// after that join and tear the replacement down.
		adopted = existing.stream
		m.detachLocked(existing, "recreate")
	}
	evicted := m.evictForCapacityLocked(name)
	rec := m.createLocked(name, table, filter, adopted)
	token := m.token
	gen := rec.gen
	m.publishStatusLocked()
	m.mu.Unlock()

	if m.bus != nil {
		for _, notice := range evicted {
			m.bus.Publish(events.TopicChannelEvicted, notice)
		}
	}

	if err := m.join(ctx, rec, token, gen); err != nil {
		m.logger.Error("channel subscribe failed", "channel", name, "error", err)
		m.removeAfterJoinFailure(name, gen)

		return nil, err
	}

	return rec.stream, nil
}

// SubscribeConversation is the message-feed convenience: its channel
// name carries the protected conversation prefix so chat-critical
// channels survive list-view subscription churn.
func (m *Manager) SubscribeConversation(ctx context.Context, conversationID string) (<-chan events.ChangeEvent, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation id is required")
	}

	return m.Subscribe(ctx, domain.ConversationChannelKey(conversationID), "messages", "conversation_id=eq."+conversationID)
}

// SubscribeTyping follows the typing indicator table for one
// conversation, also under a protected prefix.
func (m *Manager) SubscribeTyping(ctx context.Context, conversationID string) (<-chan events.ChangeEvent, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation id is required")
	}

	return m.Subscribe(ctx, domain.TypingChannelKey(conversationID), "typing_events", "conversation_id=eq."+conversationID)
}

// Unsubscribe tears down one channel and closes its stream. Removing
// the last channel drops aggregate connectivity to disconnected.
func (m *Manager) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[name]
	if !ok {
		return
	}
	m.dropLocked(rec, "unsubscribe")
	m.publishStatusLocked()
}

// UnsubscribeAll clears the pool, used on sign-out. Server-side leaves
// are best-effort; local state is cleared regardless of their outcome.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearAllLocked("unsubscribe_all")
}

func (m *Manager) clearAllLocked(reason string) {
	for _, rec := range m.channels {
		m.dropLocked(rec, reason)
	}
	m.publishStatusLocked()
}

// RefreshAuth installs a rotated access token and rejoins every
// tracked channel under the new credential. Attached streams are kept;
// consumers never notice the swap beyond a short gap in events.
func (m *Manager) RefreshAuth(ctx context.Context, token string) {
	m.mu.Lock()
	m.token = token
	m.fingerprint = fingerprintToken(token)
	fingerprint := m.fingerprint
	rejoins := make([]rejoinTicket, 0, len(m.channels))
	for _, rec := range m.channels {
		rec.status = ChannelPending
		rec.fingerprint = m.fingerprint
		m.genCounter++
		rec.gen = m.genCounter
		rejoins = append(rejoins, rejoinTicket{rec: rec, gen: m.genCounter})
	}
	m.publishStatusLocked()
	m.mu.Unlock()

	m.logger.Info("realtime auth refreshed", "fingerprint", fingerprint, "channels", len(rejoins))
	for _, ticket := range rejoins {
		if err := m.join(ctx, ticket.rec, token, ticket.gen); err != nil {
			m.logger.Warn("resubscribe after auth refresh failed", "channel", ticket.rec.name, "error", err)
			m.markFailed(ticket.rec.name, ticket.gen)
		}
	}
}

// EnterBackground arms the teardown grace timer. If the app does not
// return to the foreground before it fires, every channel is torn down
// to conserve resources.
func (m *Manager) EnterBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		return
	}
	grace := m.cfg.BackgroundGrace.Std()
	m.graceGen++
	gen := m.graceGen
	m.graceTimer = time.AfterFunc(grace, func() {
		m.backgroundTeardown(gen)
	})
	m.logger.Debug("app backgrounded, teardown grace timer armed", "grace", grace.String())
}

// EnterForeground cancels a pending background teardown. Channels are
// not resubscribed automatically: callers know which ones they still
// need.
func (m *Manager) EnterForeground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer == nil {
		return
	}
	m.graceTimer.Stop()
	m.graceTimer = nil
	m.graceGen++
	m.logger.Debug("app foregrounded, teardown grace timer cancelled")
}

func (m *Manager) backgroundTeardown(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceGen != gen || m.graceTimer == nil {
		return
	}
	m.graceTimer = nil
	m.logger.Info("background grace elapsed, tearing down channels", "channels", len(m.channels))
	m.clearAllLocked("backgrounded")
}

// Status reports the lifecycle state of a named channel.
func (m *Manager) Status(name string) (ChannelStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[name]
	if !ok {
		return "", false
	}

	return rec.status, true
}

// Channels lists the tracked pool for diagnostics and tests.
func (m *Manager) Channels() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelInfo, 0, len(m.channels))
	for _, rec := range m.channels {
		out = append(out, ChannelInfo{
			Name:         rec.name,
			Table:        rec.table,
			Filter:       rec.filter,
			Status:       rec.status,
			Protected:    rec.protected,
			SubscribedAt: rec.subscribedAt,
		})
	}

	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.channels)
}

// CurrentStatus returns the last published aggregate connectivity.
func (m *Manager) CurrentStatus() (events.ConnectionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status, m.statusKnown
}

// Fingerprint exposes a short digest of the credential the pool runs
// under, for logs and idempotency checks.
func (m *Manager) Fingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fingerprint
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed.Events():
			if !ok {
				return
			}
			m.handleFeedEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleFeedEvent(ctx context.Context, ev FeedEvent) {
	switch ev.Kind {
	case FeedConnecting:
		// The run loop publishes transitions only when channels exist;
		// an idle pool stays disconnected.
	case FeedConnected:
		m.mu.Lock()
		m.feedUp = true
		rejoins := make([]rejoinTicket, 0, len(m.channels))
		for _, rec := range m.channels {
			rec.status = ChannelPending
			m.genCounter++
			rec.gen = m.genCounter
			rejoins = append(rejoins, rejoinTicket{rec: rec, gen: m.genCounter})
		}
		token := m.token
		m.publishStatusLocked()
		m.mu.Unlock()
		// Rejoins run off the consumer loop so replies can be read
		// while the joins wait for them.
		if len(rejoins) > 0 {
			go m.rejoin(ctx, rejoins, token)
		}
	case FeedDisconnected:
		m.mu.Lock()
		m.feedUp = false
		for _, rec := range m.channels {
			if rec.status == ChannelActive {
				rec.status = ChannelPending
			}
		}
		m.publishStatusLocked()
		m.mu.Unlock()
	case FeedChange:
		m.deliver(ev.Change)
	case FeedChannelError:
		m.markChannelError(ev.Topic, ev.Err)
	}
}

func (m *Manager) rejoin(ctx context.Context, tickets []rejoinTicket, token string) {
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return
		}
		if err := m.join(ctx, ticket.rec, token, ticket.gen); err != nil {
			m.logger.Warn("channel rejoin failed", "channel", ticket.rec.name, "error", err)
			m.markFailed(ticket.rec.name, ticket.gen)
		}
	}
}

func (m *Manager) join(ctx context.Context, rec *channelRecord, token string, gen uint64) error {
	filter := ChangeFilter{Event: "*", Schema: "public", Table: rec.table, Filter: rec.filter}
	if err := m.feed.Join(ctx, rec.topic, filter, token); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.channels[rec.name]
	if !ok || current.gen != gen {
		// Evicted or recreated while the ack was in flight; the join
		// that superseded this one owns the channel now.
		return fmt.Errorf("channel %s was removed during subscribe", rec.name)
	}
	current.status = ChannelActive
	m.publishStatusLocked()
	m.logger.Debug("channel active", "channel", rec.name, "table", rec.table)

	return nil
}

func (m *Manager) markFailed(name string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[name]
	if !ok || rec.gen != gen {
		return
	}
	rec.status = ChannelFailed
	m.publishStatusLocked()
}

// markChannelError handles a server-initiated channel failure. The
// channel stays tracked in failed state and is not retried here: the
// consumers that need it have a polling fallback and re-subscribe on
// their own terms.
func (m *Manager) markChannelError(topic string, err error) {
	name := ChannelName(topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[name]
	if !ok {
		return
	}
	rec.status = ChannelFailed
	m.publishStatusLocked()
	m.logger.Error("channel failed", "channel", name, "error", err)
}

func (m *Manager) deliver(change events.ChangeEvent) {
	m.mu.Lock()
	rec, ok := m.channels[change.Channel]
	var stream chan events.ChangeEvent
	if ok && rec.status == ChannelActive {
		stream = rec.stream
	}
	m.mu.Unlock()
	if stream == nil {
		return
	}

	select {
	case stream <- change:
	default:
		m.logger.Warn("channel stream full, dropping change event", "channel", change.Channel, "type", change.Type)
	}
	if m.bus != nil {
		m.bus.TryPublish(events.TopicChangeEvent, change)
	}
}

func (m *Manager) createLocked(name, table, filter string, stream chan events.ChangeEvent) *channelRecord {
	if stream == nil {
		stream = make(chan events.ChangeEvent, streamBuffer)
	}
	m.seqCounter++
	m.genCounter++
	rec := &channelRecord{
		name:         name,
		table:        table,
		filter:       filter,
		topic:        ChannelTopic(name),
		status:       ChannelPending,
		fingerprint:  m.fingerprint,
		subscribedAt: m.now(),
		seq:          m.seqCounter,
		gen:          m.genCounter,
		protected:    m.isProtected(name),
		stream:       stream,
	}
	m.channels[name] = rec

	return rec
}

// dropLocked removes a channel, closes its stream and leaves the
// server topic best-effort.
func (m *Manager) dropLocked(rec *channelRecord, reason string) {
	m.detachLocked(rec, reason)
	close(rec.stream)
	go m.leaveBestEffort(rec.topic)
}

// detachLocked forgets a channel without touching its stream or the
// server-side topic.
func (m *Manager) detachLocked(rec *channelRecord, reason string) {
	delete(m.channels, rec.name)
	m.logger.Debug("channel dropped", "channel", rec.name, "reason", reason)
}

func (m *Manager) removeAfterJoinFailure(name string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[name]
	if !ok || rec.gen != gen {
		return
	}
	m.dropLocked(rec, "join_failed")
	m.publishStatusLocked()
}

// evictForCapacityLocked makes room for one incoming channel and
// returns the eviction notices for the caller to publish once the lock
// is released. The victim is the oldest channel by subscription time;
// ordinary channels go before protected-prefix ones, which exist to
// keep active chat and typing feeds alive through bursty churn from
// secondary views.
func (m *Manager) evictForCapacityLocked(incoming string) []events.ChannelEvicted {
	var evicted []events.ChannelEvicted
	for len(m.channels) >= m.cfg.MaxSubscriptions {
		victim := m.evictionVictimLocked()
		if victim == nil {
			return evicted
		}
		age := m.now().Sub(victim.subscribedAt)
		m.logger.Info("evicting channel for capacity",
			"channel", victim.name,
			"age", age.String(),
			"protected", victim.protected,
			"replaced_by", incoming,
		)
		m.dropLocked(victim, "evicted")
		evicted = append(evicted, events.ChannelEvicted{
			Channel:  victim.name,
			Age:      age,
			Replaced: incoming,
		})
	}

	return evicted
}

func (m *Manager) evictionVictimLocked() *channelRecord {
	for _, protectedPass := range []bool{false, true} {
		var victim *channelRecord
		for _, rec := range m.channels {
			if rec.protected != protectedPass {
				continue
			}
			if victim == nil || olderThan(rec, victim) {
				victim = rec
			}
		}
		if victim != nil {
			return victim
		}
	}

	return nil
}

// olderThan orders records by subscription time with the creation
// sequence as tiebreaker, so eviction is deterministic even when two
// channels share a timestamp.
func olderThan(a, b *channelRecord) bool {
	if a.subscribedAt.Equal(b.subscribedAt) {
		return a.seq < b.seq
	}

	return a.subscribedAt.Before(b.subscribedAt)
}

func (m *Manager) isProtected(name string) bool {
	for _, prefix := range m.cfg.ProtectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

func (m *Manager) leaveBestEffort(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := m.feed.Leave(ctx, topic); err != nil {
		m.logger.Debug("channel leave failed", "topic", topic, "error", err)
	}
}

func (m *Manager) publishStatusLocked() {
	active := 0
	for _, rec := range m.channels {
		if rec.status == ChannelActive {
			active++
		}
	}

	var state events.ConnectionState
	switch {
	case len(m.channels) == 0:
		state = events.ConnectionStateDisconnected
	case m.feedUp && active > 0:
		state = events.ConnectionStateConnected
	case m.feedUp:
		state = events.ConnectionStateConnecting
	default:
		state = events.ConnectionStateReconnecting
	}

	if m.statusKnown && m.status.State == state && m.status.Channels == len(m.channels) {
		return
	}
	m.status = events.ConnectionStatus{
		State:     state,
		Channels:  len(m.channels),
		Timestamp: m.now(),
	}
	m.statusKnown = true
	if m.bus == nil {
		return
	}
	select {
	case m.statusCh <- m.status:
	default:
		// Replace the unread stale snapshot with the fresh one.
		select {
		case <-m.statusCh:
		default:
		}
		m.statusCh <- m.status
	}
}

// publishStatuses forwards aggregate connectivity to the bus from
// outside the manager lock. The cap-1 channel coalesces bursts down to
// the newest snapshot, so a slow status subscriber delays delivery but
// never blocks Subscribe, the feed consumer, or teardown paths.
func (m *Manager) publishStatuses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-m.statusCh:
			m.bus.Publish(events.TopicConnStatus, status)
		}
	}
}

func fingerprintToken(token string) string {
	if token == "" {
		return anonFingerprint
	}
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:8])
}
