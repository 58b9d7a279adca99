package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every socket event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Command is a client-to-server socket emission.
type Command struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Socket event names.
const (
	eventNewMessage      = "newMessage"
	eventMessageEdited   = "messageEdited"
	eventMessagesDeleted = "messagesDeleted"
	eventOnlineUsers     = "onlineUsers"
	eventRoomMembers     = "roomMembers"
	eventTyping          = "typing"
	eventJoinRoom        = "joinRoom"
	eventLeaveRoom       = "leaveRoom"
)

// roomPresence is the payload for join/leave emissions.
type roomPresence struct {
	RoomID   RoomID `json:"roomId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the live-socket surface the room session depends on. The
// process-wide connection is owned by one Channel value and shared across
// room switches; it persists through app backgrounding until explicit
// disconnect. SocketChannel is the production implementation; tests inject
// fakes.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// JoinRoom subscribes the connection to a room's events. Re-joining an
	// already-joined room is a no-op at the transport layer.
	JoinRoom(ctx context.Context, roomID RoomID, userID int64, userName string) error
	// LeaveRoom unsubscribes. Must be called on room teardown so a reopened
	// room does not receive duplicate delivery.
	LeaveRoom(ctx context.Context, roomID RoomID, userID int64) error
	// SendTyping emits a typing indicator toggle.
	SendTyping(ctx context.Context, roomID RoomID, userID int64, userName string, isTyping bool) error

	// Handler registration. Each returns an off func that removes the
	// handler; once off returns the handler receives no further dispatches,
	// though a fan-out already in progress may still complete.
	OnNewMessage(h func(NewMessageEvent)) (off func())
	OnMessageEdited(h func(MessageEditedEvent)) (off func())
	OnMessagesDeleted(h func(MessagesDeletedEvent)) (off func())
	OnOnlineUsers(h func(OnlineUsersEvent)) (off func())
	OnRoomMembers(h func(RoomMembersEvent)) (off func())
	OnTyping(h func(TypingEvent)) (off func())
	OnConnected(h func()) (off func())
	OnDisconnected(h func(reason string)) (off func())
}

// ============================================================================
// Event dispatcher
// ============================================================================

// dispatcher fans socket events out to registered handlers. Handlers run
// synchronously on the read loop so that event order is preserved; they are
// expected to return quickly. The handler set is snapshotted before each
// fan-out, so a handler may register or remove handlers, including its own
// off func.
type dispatcher struct {
	mu     sync.RWMutex
	nextID int

	onNewMessage      map[int]func(NewMessageEvent)
	onMessageEdited   map[int]func(MessageEditedEvent)
	onMessagesDeleted map[int]func(MessagesDeletedEvent)
	onOnlineUsers     map[int]func(OnlineUsersEvent)
	onRoomMembers     map[int]func(RoomMembersEvent)
	onTyping          map[int]func(TypingEvent)
	onConnected       map[int]func()
	onDisconnected    map[int]func(string)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		onNewMessage:      make(map[int]func(NewMessageEvent)),
		onMessageEdited:   make(map[int]func(MessageEditedEvent)),
		onMessagesDeleted: make(map[int]func(MessagesDeletedEvent)),
		onOnlineUsers:     make(map[int]func(OnlineUsersEvent)),
		onRoomMembers:     make(map[int]func(RoomMembersEvent)),
		onTyping:          make(map[int]func(TypingEvent)),
		onConnected:       make(map[int]func()),
		onDisconnected:    make(map[int]func(string)),
	}
}

// register inserts into the given map and returns a removal func.
// The type switches below keep registration one-liners in SocketChannel.
func (d *dispatcher) id() int {
	d.nextID++
	return d.nextID
}

// handlerSnapshot copies a handler map under the read lock. Invocation
// happens on the copy, outside the lock, so handlers that call off funcs or
// register new handlers do not deadlock against d.mu.
func handlerSnapshot[H any](d *dispatcher, m map[int]H) []H {
	d.mu.RLock()
	defer d.mu.RUnlock()
	handlers := make([]H, 0, len(m))
	for _, h := range m {
		handlers = append(handlers, h)
	}
	return handlers
}

func (d *dispatcher) dispatch(env Envelope, logger zerolog.Logger) {
	// A malformed payload is dropped without disturbing later deliveries.
	switch env.Event {
	case eventNewMessage:
		var p NewMessageEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			logger.Debug().Err(err).Str("event", env.Event).Msg("dropping malformed socket event")
			return
		}
		for _, h := range handlerSnapshot(d, d.onNewMessage) {
			h(p)
		}
	case eventMessageEdited:
		var p MessageEditedEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			logger.Debug().Err(err).Str("event", env.Event).Msg("dropping malformed socket event")
			return
		}
		for _, h := range handlerSnapshot(d, d.onMessageEdited) {
			h(p)
		}
	case eventMessagesDeleted:
		var p MessagesDeletedEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			logger.Debug().Err(err).Str("event", env.Event).Msg("dropping malformed socket event")
			return
		}
		for _, h := range handlerSnapshot(d, d.onMessagesDeleted) {
			h(p)
		}
	case eventOnlineUsers:
		var p OnlineUsersEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		for _, h := range handlerSnapshot(d, d.onOnlineUsers) {
			h(p)
		}
	case eventRoomMembers:
		var p RoomMembersEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		for _, h := range handlerSnapshot(d, d.onRoomMembers) {
			h(p)
		}
	case eventTyping:
		var p TypingEvent
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		for _, h := range handlerSnapshot(d, d.onTyping) {
			h(p)
		}
	}
}

func (d *dispatcher) emitConnected() {
	for _, h := range handlerSnapshot(d, d.onConnected) {
		h()
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	for _, h := range handlerSnapshot(d, d.onDisconnected) {
		h(reason)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks exponential backoff with jitter across reconnect
// attempts. The attempt counter resets once a connection has stayed up for
// a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// SocketChannel
// ============================================================================

// ChannelState is the connection state of a SocketChannel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ChannelConfig configures a SocketChannel.
type ChannelConfig struct {
	// Token authenticates the socket connection.
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// SocketChannel is the WebSocket implementation of Channel with
// auto-reconnect, heartbeat, and join tracking so rooms are re-joined after
// a reconnect.
type SocketChannel struct {
	baseURL string
	config  *ChannelConfig
	logger  zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	joined           map[RoomID]roomPresence

	disp  *dispatcher
	recon *reconnector
}

// NewSocketChannel creates a channel for the given HTTP(S) base URL. The
// socket endpoint is derived by swapping the scheme for ws(s) and appending
// /socket.
func NewSocketChannel(baseURL string, config *ChannelConfig) *SocketChannel {
	cfg := *config
	cfg.defaults()
	return &SocketChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  cfg.Logger,
		state:   StateDisconnected,
		joined:  make(map[RoomID]roomPresence),
		disp:    newDispatcher(),
		recon:   newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (sc *SocketChannel) State() ChannelState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connected reports whether the socket is currently established.
func (sc *SocketChannel) Connected() bool {
	return sc.State() == StateConnected
}

// Connect establishes the WebSocket connection and re-joins every room the
// channel was subscribed to before the connection dropped.
func (sc *SocketChannel) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateConnected || sc.state == StateConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.state = StateConnecting
	sc.intentionalClose = false
	sc.mu.Unlock()

	wsURL := strings.Replace(sc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket"
	if sc.config.Token != "" {
		wsURL += "?token=" + sc.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		sc.mu.Lock()
		sc.state = StateDisconnected
		sc.mu.Unlock()
		return fmt.Errorf("socket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	sc.mu.Lock()
	sc.conn = conn
	sc.state = StateConnected
	sc.cancelFn = cancel
	rejoin := make([]roomPresence, 0, len(sc.joined))
	for _, p := range sc.joined {
		rejoin = append(rejoin, p)
	}
	sc.mu.Unlock()
	sc.recon.markConnected()
	socketReconnects.Inc()

	// Missed events during the gap are recovered by the REST re-fetch, not
	// by the socket; the join only restores the live subscription.
	for _, p := range rejoin {
		if err := sc.send(ctx, Command{Event: eventJoinRoom, Data: p}); err != nil {
			sc.logger.Warn().Err(err).Str("roomId", string(p.RoomID)).Msg("rejoin failed")
		}
	}

	sc.disp.emitConnected()

	go sc.readLoop(connCtx, conn)
	go sc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnect attempts.
func (sc *SocketChannel) Disconnect() error {
	sc.mu.Lock()
	sc.intentionalClose = true
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	conn := sc.conn
	sc.conn = nil
	sc.state = StateDisconnected
	sc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom subscribes to a room. Idempotent: joining a room the channel is
// already in does not emit a second transport-level join.
func (sc *SocketChannel) JoinRoom(ctx context.Context, roomID RoomID, userID int64, userName string) error {
	presence := roomPresence{RoomID: roomID, UserID: userID, UserName: userName}

	sc.mu.Lock()
	_, already := sc.joined[roomID]
	sc.joined[roomID] = presence
	connected := sc.state == StateConnected
	sc.mu.Unlock()

	if already || !connected {
		return nil
	}
	return sc.send(ctx, Command{Event: eventJoinRoom, Data: presence})
}

// LeaveRoom unsubscribes from a room.
func (sc *SocketChannel) LeaveRoom(ctx context.Context, roomID RoomID, userID int64) error {
	sc.mu.Lock()
	_, wasJoined := sc.joined[roomID]
	delete(sc.joined, roomID)
	connected := sc.state == StateConnected
	sc.mu.Unlock()

	if !wasJoined || !connected {
		return nil
	}
	return sc.send(ctx, Command{Event: eventLeaveRoom, Data: roomPresence{RoomID: roomID, UserID: userID}})
}

// SendTyping emits a typing indicator toggle for the room.
func (sc *SocketChannel) SendTyping(ctx context.Context, roomID RoomID, userID int64, userName string, isTyping bool) error {
	return sc.send(ctx, Command{Event: eventTyping, Data: TypingEvent{
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
		IsTyping: isTyping,
	}})
}

func (sc *SocketChannel) send(ctx context.Context, cmd Command) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd.Data)
	if err != nil {
		return err
	}
	env, err := json.Marshal(Envelope{Event: cmd.Event, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, env)
}

func (sc *SocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			sc.mu.Lock()
			intentional := sc.intentionalClose
			if sc.conn == conn {
				sc.conn = nil
				sc.state = StateDisconnected
			}
			sc.mu.Unlock()
			if intentional {
				return
			}

			sc.logger.Debug().Err(err).Msg("socket read failed")
			sc.disp.emitDisconnected(err.Error())

			if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
				sc.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		socketEvents.WithLabelValues(env.Event).Inc()
		sc.disp.dispatch(env, sc.logger)
	}
}

func (sc *SocketChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(sc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (sc *SocketChannel) scheduleReconnect() {
	delay := sc.recon.nextDelay()
	sc.mu.Lock()
	sc.state = StateReconnecting
	sc.mu.Unlock()

	sc.logger.Info().Dur("delay", delay).Int("attempt", sc.recon.attempt).Msg("socket reconnecting")
	time.Sleep(delay)

	if err := sc.Connect(context.Background()); err != nil {
		if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
			sc.scheduleReconnect()
		} else {
			sc.mu.Lock()
			sc.state = StateDisconnected
			sc.mu.Unlock()
		}
	}
}

// ============================================================================
// Handler registration
// ============================================================================

func (sc *SocketChannel) OnNewMessage(h func(NewMessageEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onNewMessage[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onNewMessage, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnMessageEdited(h func(MessageEditedEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onMessageEdited[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onMessageEdited, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnMessagesDeleted(h func(MessagesDeletedEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onMessagesDeleted[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onMessagesDeleted, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnOnlineUsers(h func(OnlineUsersEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onOnlineUsers[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onOnlineUsers, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnRoomMembers(h func(RoomMembersEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onRoomMembers[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onRoomMembers, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnTyping(h func(TypingEvent)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onTyping[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onTyping, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnConnected(h func()) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onConnected[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onConnected, id)
		sc.disp.mu.Unlock()
	}
}

func (sc *SocketChannel) OnDisconnected(h func(string)) func() {
	sc.disp.mu.Lock()
	id := sc.disp.id()
	sc.disp.onDisconnected[id] = h
	sc.disp.mu.Unlock()
	return func() {
		sc.disp.mu.Lock()
		delete(sc.disp.onDisconnected, id)
		sc.disp.mu.Unlock()
	}
}
