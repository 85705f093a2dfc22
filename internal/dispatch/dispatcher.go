// Package dispatch owns the live event-stream connection to the
// gateway: decoding inbound state-change frames, reconciling them
// against the entity graph, republishing typed change notifications to
// subscribers, and supervising reconnection when the stream fails.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wisersync/internal/gateway"
	"wisersync/internal/graph"
)

// State is the connection state of the dispatcher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSynced
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// DefaultHeartbeatInterval is the ping cadence on the event stream.
// A single missed heartbeat degrades the connection.
const DefaultHeartbeatInterval = 30 * time.Second

// closeGraceTimeout bounds how long Stop waits for the receive loop.
const closeGraceTimeout = 2 * time.Second

// LoadUpdateHandler is called with the confirmed state fields of one
// inbound event for a subscribed load.
type LoadUpdateHandler func(loadID int, fields map[string]interface{})

// Subscription represents an active load subscription.
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	subID   int
	handler LoadUpdateHandler
}

type subscription struct {
	loadID int
	subID  int
	d      *Dispatcher
}

func (s *subscription) Unsubscribe() {
	s.d.unsubscribe(s.loadID, s.subID)
}

// Dispatcher owns the single logical event-stream connection for one
// gateway. The receive loop updates load state in the graph and fires
// change notifications synchronously, so arrival order is preserved
// per load id. Control calls run concurrently on the REST client.
type Dispatcher struct {
	session   *gateway.Session
	graph     *graph.Graph
	logger    *zap.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	closing atomic.Bool

	state       atomic.Int32
	transitions chan State

	subsMu      sync.RWMutex
	subscribers map[int][]subscriberEntry
	nextSubID   int

	writeMu   sync.Mutex
	lastFrame atomic.Int64
}

// NewDispatcher creates a dispatcher over an authenticated session and
// a loaded graph. It is started explicitly by the host (or the
// reconnection supervisor); it never assumes control of the main loop.
func NewDispatcher(session *gateway.Session, g *graph.Graph, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		session:     session,
		graph:       g,
		logger:      logger,
		heartbeat:   DefaultHeartbeatInterval,
		transitions: make(chan State, 16),
		subscribers: make(map[int][]subscriberEntry),
	}
	d.state.Store(int32(StateDisconnected))
	return d
}

// SetHeartbeatInterval overrides the default ping cadence.
func (d *Dispatcher) SetHeartbeatInterval(interval time.Duration) {
	d.heartbeat = interval
}

// State returns the current connection state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Transitions exposes state changes for the reconnection supervisor.
// Notifications are best-effort; the channel is buffered and stale
// entries must be revalidated against State().
func (d *Dispatcher) Transitions() <-chan State {
	return d.transitions
}

func (d *Dispatcher) setState(next State) {
	prev := State(d.state.Swap(int32(next)))
	if prev == next {
		return
	}

	d.logger.Info("Event stream state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))

	select {
	case d.transitions <- next:
	default:
		d.logger.Warn("Transition channel full, dropping notification",
			zap.Stringer("state", next))
	}
}

// Start opens the event-stream connection. The state moves to Synced
// on the first well-formed frame, not when the dial succeeds. Fails
// fast with ErrAuthInvalid when no valid credential is held.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return gateway.ErrAlreadyConnected
	}

	token, err := d.session.Token()
	if err != nil {
		return err
	}

	d.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := fmt.Sprintf("ws://%s/api", d.session.Host())
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		d.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			d.session.Invalidate()
			return gateway.ErrAuthInvalid
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}

	d.lastFrame.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		d.lastFrame.Store(time.Now().UnixNano())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.closing.Store(false)

	go d.receiveLoop(conn, d.done)
	go d.heartbeatLoop(ctx, conn)

	d.logger.Info("Event stream connected", zap.String("host", d.session.Host()))
	return nil
}

// Stop closes the connection and clears all subscriptions. Idempotent;
// unblocks the receive loop within a bounded grace period.
func (d *Dispatcher) Stop() {
	d.mu.Lock()

	if !d.running {
		d.mu.Unlock()
		return
	}

	d.closing.Store(true)
	d.cancel()

	d.writeMu.Lock()
	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	d.writeMu.Unlock()

	d.conn.Close()
	done := d.done
	d.running = false
	d.conn = nil
	d.mu.Unlock()

	select {
	case <-done:
	case <-time.After(closeGraceTimeout):
		d.logger.Warn("Receive loop did not exit within grace period")
	}

	d.clearSubscribers()
	d.setState(StateDisconnected)
	d.logger.Info("Event stream disconnected")
}

// receiveLoop reads frames until the transport closes. It suspends
// awaiting the next frame and never blocks other work.
func (d *Dispatcher) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if d.closing.Load() {
				return
			}

			d.logger.Warn("Event stream read failed", zap.Error(err))
			d.graph.MarkStale()

			d.mu.Lock()
			if d.conn == conn {
				d.cancel()
				d.conn.Close()
				d.conn = nil
				d.running = false
			}
			d.mu.Unlock()

			d.setState(StateDisconnected)
			return
		}

		d.lastFrame.Store(time.Now().UnixNano())
		d.handleFrame(data)
	}
}

// handleFrame decodes and dispatches one inbound frame. A malformed
// frame degrades the stream without invalidating the graph; the next
// well-formed frame restores Synced.
func (d *Dispatcher) handleFrame(data []byte) {
	var frame gateway.StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Load == nil {
		d.logger.Warn("Malformed event frame, marking stream degraded",
			zap.ByteString("frame", data))
		d.graph.MarkStale()
		d.setState(StateDegraded)
		return
	}

	d.setState(StateSynced)

	load, ok := d.graph.ApplyLoadUpdate(frame.Load.ID, frame.Load.State)
	if !ok {
		// Entity added after last load; bulk load and live stream are
		// eventually consistent, so the event is dropped, not fatal.
		d.logger.Warn("Event references unknown load, dropping",
			zap.Int("load", frame.Load.ID))
		return
	}

	d.notify(load.ID, frame.Load.State)
}

// notify fires the handlers registered for one load id, at most once
// per event, in registration order.
func (d *Dispatcher) notify(loadID int, fields map[string]interface{}) {
	d.subsMu.RLock()
	entries := append([]subscriberEntry(nil), d.subscribers[loadID]...)
	d.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(loadID, fields)
	}
}

// heartbeatLoop pings the gateway on the heartbeat cadence and
// degrades the stream when a pong goes missing.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, d.lastFrame.Load())
		if time.Since(last) > d.heartbeat+d.heartbeat/2 {
			d.logger.Warn("Missed heartbeat, marking stream degraded",
				zap.Time("last_frame", last))
			d.graph.MarkStale()
			d.setState(StateDegraded)
		}

		d.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		d.writeMu.Unlock()
		if err != nil {
			// Receive loop observes the broken transport and transitions.
			d.logger.Warn("Heartbeat ping failed", zap.Error(err))
			return
		}
	}
}

// Subscribe registers a handler for state changes of one load id.
func (d *Dispatcher) Subscribe(loadID int, handler LoadUpdateHandler) Subscription {
	d.subsMu.Lock()
	d.nextSubID++
	subID := d.nextSubID
	d.subscribers[loadID] = append(d.subscribers[loadID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	d.subsMu.Unlock()

	return &subscription{loadID: loadID, subID: subID, d: d}
}

func (d *Dispatcher) unsubscribe(loadID, subID int) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	entries := d.subscribers[loadID]
	for i, entry := range entries {
		if entry.subID == subID {
			d.subscribers[loadID] = append(entries[:i], entries[i+1:]...)
			if len(d.subscribers[loadID]) == 0 {
				delete(d.subscribers, loadID)
			}
			return
		}
	}
}

func (d *Dispatcher) clearSubscribers() {
	d.subsMu.Lock()
	d.subscribers = make(map[int][]subscriberEntry)
	d.subsMu.Unlock()
}

// SubscribedLoads returns the load ids with active subscriptions,
// ordered. Used by diagnostics.
func (d *Dispatcher) SubscribedLoads() []int {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()

	ids := make([]int, 0, len(d.subscribers))
	for id := range d.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
