package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/events"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 15 * time.Second
	dialTimeout              = 10 * time.Second
	writeWait                = 10 * time.Second
	joinTimeout              = 10 * time.Second
	feedEventBuffer          = 256
)

// FeedEventKind tags what a feed event reports.
type FeedEventKind int

const (
	FeedConnecting FeedEventKind = iota
	FeedConnected
	FeedDisconnected
	FeedChange
	FeedChannelError
)

// FeedEvent is one transport-level occurrence: a lifecycle transition,
// a decoded change record, or a server-reported channel failure.
type FeedEvent struct {
	Kind   FeedEventKind
	Topic  string
	Change events.ChangeEvent
	Err    error
}

// Feed is the change-feed transport the subscription manager drives.
// Implementations keep the underlying connection alive themselves;
// Join and Leave act on the current connection and fail when there is
// none.
type Feed interface {
	Start(ctx context.Context)
	Events() <-chan FeedEvent
	Join(ctx context.Context, topic string, filter ChangeFilter, accessToken string) error
	Leave(ctx context.Context, topic string) error
	Connected() bool
}

// SocketConfig customizes the websocket feed.
type SocketConfig struct {
	// URL of the realtime endpoint. http(s) schemes are rewritten to
	// ws(s) so the backend base URL can be reused directly.
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Socket is the gorilla/websocket Feed implementation speaking the
// backend's phoenix-flavored protocol. A single reader goroutine
// decodes frames; writes share the connection under a mutex; a
// heartbeat ticker keeps intermediaries from dropping the connection.
type Socket struct {
	endpoint          string
	heartbeatInterval time.Duration
	reconnectInitial  time.Duration
	reconnectMax      time.Duration
	dialer            *websocket.Dialer
	logger            *slog.Logger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	refSeq    atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]chan replyPayload

	eventsCh  chan FeedEvent
	startOnce sync.Once
}

func NewSocket(cfg SocketConfig) (*Socket, error) {
	endpoint, err := buildEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	initial := cfg.ReconnectInitial
	if initial <= 0 {
		initial = defaultReconnectInitial
	}
	max := cfg.ReconnectMax
	if max < initial {
		max = defaultReconnectMax
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Socket{
		endpoint:          endpoint,
		heartbeatInterval: heartbeat,
		reconnectInitial:  initial,
		reconnectMax:      max,
		dialer:            dialer,
		logger:            logger,
		pending:           make(map[string]chan replyPayload),
		eventsCh:          make(chan FeedEvent, feedEventBuffer),
	}, nil
}

func buildEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime url must be ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("realtime url must include a host")
	}

	query := u.Query()
	if apiKey != "" {
		query.Set("apikey", apiKey)
	}
	query.Set("vsn", "1.0.0")
	u.RawQuery = query.Encode()

	return u.String(), nil
}

func (s *Socket) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Socket) Events() <-chan FeedEvent {
	return s.eventsCh
}

func (s *Socket) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	return s.conn != nil
}

func (s *Socket) run(ctx context.Context) {
	backoff := s.reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		s.emit(FeedEvent{Kind: FeedConnecting})
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Error("realtime dial failed", "error", err)
			s.emit(FeedEvent{Kind: FeedDisconnected, Err: err})
			if !sleepWithContext(ctx, backoff) {
				return
			}
			if backoff < s.reconnectMax {
				backoff *= 2
			}
			continue
		}

		backoff = s.reconnectInitial
		s.setConn(conn)
		s.emit(FeedEvent{Kind: FeedConnected})
		s.logger.Info("realtime socket connected")

		stopWatch := context.AfterFunc(ctx, func() {
			_ = conn.Close()
		})
		heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
		go s.runHeartbeat(heartbeatCtx)
		err = s.readPump(ctx, conn)
		cancelHeartbeat()
		stopWatch()
		s.dropConn()
		s.failPending(err)
		s.emit(FeedEvent{Kind: FeedDisconnected, Err: err})
		if ctx.Err() == nil {
			s.logger.Warn("realtime socket lost", "error", err)
		}

		if !sleepWithContext(ctx, backoff) {
			return
		}
		if backoff < s.reconnectMax {
			backoff *= 2
		}
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dialCtx, s.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime socket: %w (status %d)", err, resp.StatusCode)
		}

		return nil, fmt.Errorf("dial realtime socket: %w", err)
	}

	return conn, nil
}

// readPump decodes frames until the connection dies. The read deadline
// spans two heartbeat intervals: a server silent for that long is
// treated as gone even if TCP has not noticed yet.
func (s *Socket) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(2 * s.heartbeatInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f inboundFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("drop undecodable realtime frame", "error", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f inboundFrame) {
	switch f.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			s.logger.Warn("drop undecodable reply", "topic", f.Topic, "error", err)
			return
		}
		s.resolvePending(f.Ref, reply)
	case eventChanges:
		change, err := decodeChange(f.Topic, f.Payload)
		if err != nil {
			s.logger.Warn("drop undecodable change event", "topic", f.Topic, "error", err)
			return
		}
		s.emit(FeedEvent{Kind: FeedChange, Topic: f.Topic, Change: change})
	case eventError, eventClose:
		s.emit(FeedEvent{Kind: FeedChannelError, Topic: f.Topic, Err: fmt.Errorf("server closed channel: %s", f.Event)})
	case eventSystem:
		s.logger.Debug("realtime system message", "topic", f.Topic)
	default:
		s.logger.Debug("ignore unhandled realtime event", "event", f.Event, "topic", f.Topic)
	}
}

func (s *Socket) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.send(outboundFrame{
				Topic:   topicPhoenix,
				Event:   eventHeartbeat,
				Payload: struct{}{},
				Ref:     s.nextRef(),
			})
			if err != nil {
				s.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// Join subscribes the socket to one channel topic and waits for the
// server acknowledgment.
func (s *Socket) Join(ctx context.Context, topic string, filter ChangeFilter, accessToken string) error {
	payload := joinPayload{
		Config:      joinConfig{PostgresChanges: []ChangeFilter{filter}},
		AccessToken: accessToken,
	}
	reply, err := s.request(ctx, topic, eventJoin, payload)
	if err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	if reply.Status != replyStatusOK {
		return fmt.Errorf("join %s rejected: status %s: %s", topic, reply.Status, string(reply.Response))
	}

	return nil
}

// Leave unsubscribes one channel topic. The reply is awaited so the
// caller knows the server released it, but a missing ack only matters
// to logs.
func (s *Socket) Leave(ctx context.Context, topic string) error {
	reply, err := s.request(ctx, topic, eventLeave, struct{}{})
	if err != nil {
		return fmt.Errorf("leave %s: %w", topic, err)
	}
	if reply.Status != replyStatusOK {
		return fmt.Errorf("leave %s rejected: status %s", topic, reply.Status)
	}

	return nil
}

func (s *Socket) request(ctx context.Context, topic, event string, payload any) (replyPayload, error) {
	ref := s.nextRef()
	waiter := make(chan replyPayload, 1)
	s.pendingMu.Lock()
	s.pending[ref] = waiter
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	if err := s.send(outboundFrame{Topic: topic, Event: event, Payload: payload, Ref: ref}); err != nil {
		return replyPayload{}, err
	}

	select {
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	case <-time.After(joinTimeout):
		return replyPayload{}, errors.New("timed out waiting for server reply")
	case reply, ok := <-waiter:
		if !ok {
			return replyPayload{}, errors.New("connection lost before server reply")
		}

		return reply, nil
	}
}

func (s *Socket) resolvePending(ref string, reply replyPayload) {
	if ref == "" {
		return
	}
	s.pendingMu.Lock()
	waiter, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	s.pendingMu.Unlock()
	if ok {
		waiter <- reply
	}
}

// failPending wakes every request still waiting for a reply when the
// connection drops so no Join blocks until its timeout.
func (s *Socket) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for ref, waiter := range s.pending {
		close(waiter)
		delete(s.pending, ref)
	}
	if err != nil {
		s.logger.Debug("failed pending realtime requests", "error", err)
	}
}

func (s *Socket) send(f outboundFrame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode realtime frame: %w", err)
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errors.New("realtime socket is not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write realtime frame: %w", err)
	}

	return nil
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Socket) dropConn() {
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Socket) nextRef() string {
	return strconv.FormatInt(s.refSeq.Add(1), 10)
}

func (s *Socket) emit(ev FeedEvent) {
	select {
	case s.eventsCh <- ev:
	default:
		s.logger.Warn("feed event buffer full, dropping event", "kind", ev.Kind, "topic", ev.Topic)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
