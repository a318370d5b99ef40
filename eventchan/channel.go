// Package eventchan maintains the event-stream connection to the perception
// server, reconnecting automatically according to a Policy.
package eventchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"glasslink/dispatch"
	"glasslink/journal"
	"glasslink/log"
	"glasslink/proto"
)

var ErrNotConnected = errors.New("event channel not connected")

var errServerClosed = errors.New("server closed the connection")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal for one Connect call: the policy ran out of attempts.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "connection_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Kind string

const (
	KindConnect          Kind = proto.EventConnect
	KindDisconnect       Kind = proto.EventDisconnect
	KindConnectionStatus Kind = proto.EventConnectionStatus
	KindAudioData        Kind = proto.EventAudioData
	KindServerStatus     Kind = proto.EventServerStatus
	KindDetection        Kind = proto.EventDetection
	// KindState fires on every state transition.
	KindState Kind = "state"
)

// Event is delivered to handlers. Only the field matching Kind is set, apart
// from State, which always holds the channel state at publish time.
type Event struct {
	Kind      Kind
	State     State
	Reason    string
	Status    proto.StatusMessage
	Audio     proto.AudioEvent
	Server    proto.ServerStatus
	Detection proto.Detection
}

type Options struct {
	Policy  Policy
	Dialer  Dialer
	Journal *journal.Journal
}

type session struct {
	endpoint string
	url      string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

type Channel struct {
	policy  Policy
	dialer  Dialer
	journal *journal.Journal
	events  *dispatch.Registry[Kind, Event]

	mu       sync.Mutex
	state    State
	endpoint string
	session  *session
	conn     Conn

	writeMu sync.Mutex
}

func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Journal == nil {
		opts.Journal = journal.New(0)
	}
	return &Channel{
		policy:  opts.Policy,
		dialer:  opts.Dialer,
		journal: opts.Journal,
		events:  dispatch.New[Kind, Event](),
	}
}

// Subscribe registers the single handler for kind, replacing any previous one.
func (c *Channel) Subscribe(kind Kind, fn func(Event)) dispatch.Subscription {
	return c.events.Subscribe(kind, fn)
}

func (c *Channel) Unsubscribe(kind Kind) {
	c.events.Unsubscribe(kind)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Channel) Policy() Policy { return c.policy }

// Connect starts a session against endpoint and returns without waiting for
// it. It is a no-op while a session is already active.
func (c *Channel) Connect(endpoint string) error {
	url, err := proto.SocketURL(endpoint)
	if err != nil {
		c.journal.Addf("invalid server endpoint %q: %v", endpoint, err)
		return err
	}

	c.mu.Lock()
	switch c.state {
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		endpoint: endpoint,
		url:      url,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	prev := c.session
	c.session = s
	c.endpoint = endpoint
	// Entered before run starts so a second Connect is a no-op.
	c.setStateLocked(Connecting, 1)
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go c.run(s)
	return nil
}

// Disconnect tears down the stream and halts any retry loop. It is safe to
// call in any state and from any handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	s := c.session
	conn := c.conn
	prev := c.state
	c.session = nil
	c.conn = nil
	if prev != Disconnected {
		c.setStateLocked(Disconnected, 0)
	}
	c.mu.Unlock()

	if s != nil {
		s.cancel()
		if conn != nil {
			conn.Close()
		}
		<-s.done
	}

	if prev == Connected {
		c.journal.Add("disconnected from server")
		c.publish(Event{Kind: KindDisconnect, State: Disconnected, Reason: "client disconnect"})
	}
}

// Close disconnects and stops event delivery.
func (c *Channel) Close() {
	c.Disconnect()
	c.events.Close()
}

// Wait blocks until all published events have been handled.
func (c *Channel) Wait() {
	c.events.Wait()
}

func (c *Channel) RequestStatus(ctx context.Context) error {
	return c.send(ctx, proto.EventRequestStatus, nil)
}

func (c *Channel) UpdateSettings(ctx context.Context, s proto.Settings) error {
	return c.send(ctx, proto.EventUpdateSettings, s)
}

func (c *Channel) send(ctx context.Context, name string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := proto.EncodeEvent(name, payload)
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, data); err != nil {
		return &TransportError{Op: "send " + name, Err: err}
	}
	return nil
}

func (c *Channel) write(ctx context.Context, conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (c *Channel) publish(ev Event) {
	c.events.Publish(ev.Kind, ev)
}

func (c *Channel) setStateLocked(to State, attempt int) {
	if c.state == to {
		return
	}
	log.ChannelState(c.endpoint, c.state.String(), to.String(), attempt)
	c.state = to
	c.publish(Event{Kind: KindState, State: to})
}

// transition changes state on behalf of s. It fails once s has been
// superseded by Disconnect or a newer Connect.
func (c *Channel) transition(s *session, to State, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.setStateLocked(to, attempt)
	return true
}

func (c *Channel) run(s *session) {
	defer close(s.done)

	attempt := 0
	for {
		attempt++
		if !c.transition(s, Connecting, attempt) {
			return
		}

		conn, hs, err := c.open(s)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			c.journal.Add(c.attemptFailed(attempt, err))
			if c.policy.Exhausted(attempt) {
				c.fail(s, attempt)
				return
			}
			if !c.transition(s, Reconnecting, attempt) || !sleep(s.ctx, c.policy.Backoff(attempt)) {
				return
			}
			continue
		}

		if !c.attach(s, conn) {
			conn.Close()
			return
		}
		c.journal.Add("connected to server")

		err = c.readLoop(s, conn, hs)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}

		if !c.drop(s) {
			return
		}
		c.journal.Addf("disconnected from server: %v", err)
		c.publish(Event{Kind: KindDisconnect, State: Reconnecting, Reason: err.Error()})

		attempt = 0
		if !sleep(s.ctx, c.policy.Backoff(1)) {
			return
		}
	}
}

func (c *Channel) attemptFailed(attempt int, err error) string {
	if c.policy.Bounded() {
		return fmt.Sprintf("server connect attempt %d/%d failed: %v", attempt, c.policy.MaxAttempts, err)
	}
	return fmt.Sprintf("server connect attempt %d failed: %v", attempt, err)
}

func (c *Channel) fail(s *session, attempts int) {
	if !c.transition(s, Failed, attempts) {
		return
	}
	msg := fmt.Sprintf("server connection failed after %d attempts", attempts)
	c.journal.Add(msg)
	c.publish(Event{
		Kind:   KindConnectionStatus,
		State:  Failed,
		Status: proto.StatusMessage{Status: Failed.String(), Message: msg},
	})
}

// attach installs conn and moves to Connected, publishing the connect
// notification under the same lock so Disconnect observes both or neither.
func (c *Channel) attach(s *session, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.conn = conn
	c.setStateLocked(Connected, 0)
	c.publish(Event{Kind: KindConnect, State: Connected})
	return true
}

func (c *Channel) drop(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.conn = nil
	c.setStateLocked(Reconnecting, 0)
	return true
}

func (c *Channel) open(s *session) (Conn, proto.Handshake, error) {
	conn, err := c.dialer.Dial(s.ctx, s.url)
	if err != nil {
		return nil, proto.Handshake{}, &TransportError{Op: "dial", Err: err}
	}
	hs, err := c.handshake(s.ctx, conn)
	if err != nil {
		conn.Close()
		return nil, proto.Handshake{}, &TransportError{Op: "handshake", Err: err}
	}
	return conn, hs, nil
}

// handshake waits for the Engine.IO open packet, joins the default namespace
// and waits for the server to acknowledge it.
func (c *Channel) handshake(ctx context.Context, conn Conn) (proto.Handshake, error) {
	var hs proto.Handshake
	opened := false
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return hs, err
		}
		f, err := proto.Decode(data)
		if err != nil {
			return hs, err
		}
		switch f.Kind {
		case proto.FrameOpen:
			if err := json.Unmarshal(f.Payload, &hs); err != nil {
				return hs, fmt.Errorf("open packet: %w", err)
			}
			opened = true
			if err := c.write(ctx, conn, proto.EncodeConnect()); err != nil {
				return hs, err
			}
		case proto.FramePing:
			if err := c.write(ctx, conn, proto.EncodePong(f.Payload)); err != nil {
				return hs, err
			}
		case proto.FrameConnect:
			if !opened {
				return hs, fmt.Errorf("namespace connect before open")
			}
			return hs, nil
		case proto.FrameConnectError:
			return hs, fmt.Errorf("server refused connection: %s", f.Payload)
		case proto.FrameClose, proto.FrameDisconnect:
			return hs, errServerClosed
		}
	}
}

func (c *Channel) readLoop(s *session, conn Conn, hs proto.Handshake) error {
	liveness := hs.Liveness()
	for {
		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if liveness > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, liveness)
		}
		data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}

		f, err := proto.Decode(data)
		if err != nil {
			log.Warnf("event channel: %v", err)
			continue
		}
		switch f.Kind {
		case proto.FramePing:
			if err := c.write(s.ctx, conn, proto.EncodePong(f.Payload)); err != nil {
				return &TransportError{Op: "pong", Err: err}
			}
		case proto.FrameClose, proto.FrameDisconnect:
			return errServerClosed
		case proto.FrameEvent:
			c.route(f)
		}
	}
}

// route turns a server event into a notification. Malformed payloads are
// journaled and skipped; they never end the stream.
func (c *Channel) route(f proto.Frame) {
	now := time.Now()
	ev := Event{Kind: Kind(f.Event), State: Connected}
	var err error
	switch ev.Kind {
	case KindConnectionStatus:
		ev.Status, err = proto.ParseStatus(f.Payload)
	case KindAudioData:
		ev.Audio, err = proto.ParseAudioEvent(f.Payload, now)
	case KindServerStatus:
		ev.Server, err = proto.ParseServerStatus(f.Payload)
	case KindDetection:
		ev.Detection, err = proto.ParseDetection(f.Payload, now)
	default:
		log.Warnf("event channel: ignoring unknown event %q", f.Event)
		return
	}
	if err != nil {
		c.journal.Addf("dropped malformed %s event: %v", f.Event, err)
		return
	}
	c.publish(ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
