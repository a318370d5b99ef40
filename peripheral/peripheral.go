// Package peripheral manages the wireless link to the external audio output
// device: discovery, connection, chunked characteristic writes and
// disconnect detection, one device at a time.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"glasslink/dispatch"
	"glasslink/journal"
	"glasslink/log"
)

var (
	ErrPermissionDenied = errors.New("peripheral access not granted")
	ErrNotConnected     = errors.New("no peripheral connected")
	ErrScanInProgress   = errors.New("scan already in progress")
	ErrBusy             = errors.New("peripheral connection in progress")
)

const (
	DefaultChunkSize = 512
	scanBuffer       = 256
)

type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Device is identified by ID, the platform's channel address. Name may be
// empty and RSSI nil when the advertisement did not carry them.
type Device struct {
	ID        string
	Name      string
	RSSI      *int
	Preferred bool
}

func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

type ConnectionError struct {
	DeviceID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.DeviceID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Adapter is the platform radio.
type Adapter interface {
	// RequestAccess returns nil once the platform allows discovery.
	RequestAccess(ctx context.Context) error
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Device)) error
	Connect(ctx context.Context, id string) (Conn, error)
}

// Conn is an established link to the device's data characteristic.
type Conn interface {
	Write(p []byte) error
	Disconnect() error
	// Disconnected is closed when the device goes away on its own.
	Disconnected() <-chan struct{}
}

type Kind string

const (
	KindDeviceFound Kind = "device_found"
	KindConnect     Kind = "connect"
	KindDisconnect  Kind = "disconnect"
	// KindState fires on every state transition.
	KindState Kind = "state"
)

type Event struct {
	Kind   Kind
	State  State
	Device Device
	Reason string
}

type Options struct {
	Adapter Adapter
	Journal *journal.Journal
	// DeviceName marks matching discoveries as Preferred.
	DeviceName string
	ChunkSize  int
}

type scanSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	seen   map[string]bool
	// out is sent to and closed only under Link.mu.
	out chan Device
}

type connection struct {
	dev      Device
	conn     Conn
	once     sync.Once
	released chan struct{}
}

type Link struct {
	adapter    Adapter
	journal    *journal.Journal
	events     *dispatch.Registry[Kind, Event]
	deviceName string
	chunkSize  int

	mu         sync.Mutex
	state      State
	granted    bool
	scan       *scanSession
	discovered []Device
	current    *connection
	attempt    uint64
	cancelDial context.CancelFunc

	writeMu sync.Mutex
}

func New(opts Options) *Link {
	if opts.Journal == nil {
		opts.Journal = journal.New(0)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Link{
		adapter:    opts.Adapter,
		journal:    opts.Journal,
		events:     dispatch.New[Kind, Event](),
		deviceName: opts.DeviceName,
		chunkSize:  opts.ChunkSize,
	}
}

// On registers the single handler for kind, replacing any previous one.
func (l *Link) On(kind Kind, fn func(Event)) dispatch.Subscription {
	return l.events.Subscribe(kind, fn)
}

func (l *Link) Off(kind Kind) {
	l.events.Unsubscribe(kind)
}

// Wait blocks until all published events have been handled.
func (l *Link) Wait() {
	l.events.Wait()
}

// Status returns the state and active device as one consistent pair.
func (l *Link) Status() (State, *Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return l.state, nil
	}
	d := l.current.dev
	return l.state, &d
}

func (l *Link) State() State {
	s, _ := l.Status()
	return s
}

// Discovered returns the devices seen in the current or last scan window,
// in order of first sighting.
func (l *Link) Discovered() []Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Device(nil), l.discovered...)
}

// RequestAccess asks the platform for permission to use the radio. It must
// succeed before Scan is allowed.
func (l *Link) RequestAccess(ctx context.Context) bool {
	err := l.adapter.RequestAccess(ctx)
	l.mu.Lock()
	l.granted = err == nil
	l.mu.Unlock()
	if err != nil {
		l.journal.Addf("peripheral access denied: %v", err)
		return false
	}
	return true
}

func (l *Link) setStateLocked(to State) {
	if l.state == to {
		return
	}
	id := ""
	if l.current != nil {
		id = l.current.dev.ID
	}
	log.PeripheralState(id, l.state.String(), to.String())
	l.state = to
	l.events.Publish(KindState, Event{Kind: KindState, State: to})
}

// Scan starts discovery for duration and returns the devices as they are
// first sighted. The channel is closed when the window ends, when StopScan
// is called, or when Connect takes over the radio.
func (l *Link) Scan(ctx context.Context, duration time.Duration) (<-chan Device, error) {
	l.mu.Lock()
	for {
		switch {
		case !l.granted:
			l.mu.Unlock()
			l.journal.Add("scan refused: peripheral access not granted")
			return nil, ErrPermissionDenied
		case l.state == Scanning:
			l.mu.Unlock()
			return nil, ErrScanInProgress
		case l.state != Idle:
			l.mu.Unlock()
			return nil, ErrBusy
		}
		// A scan stopped by an abandoned Connect may still hold the radio.
		prev := l.scan
		if prev == nil {
			break
		}
		l.mu.Unlock()
		prev.cancel()
		<-prev.done
		l.mu.Lock()
	}
	sctx, cancel := context.WithTimeout(ctx, duration)
	s := &scanSession{
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]bool),
		out:    make(chan Device, scanBuffer),
	}
	l.scan = s
	l.discovered = nil
	l.setStateLocked(Scanning)
	l.mu.Unlock()

	l.journal.Addf("scanning for peripherals (%v)", duration)
	go func() {
		defer close(s.done)
		err := l.adapter.Scan(sctx, func(d Device) { l.found(s, d) })
		cancel()
		l.endScan(s, err)
	}()
	return s.out, nil
}

func (l *Link) found(s *scanSession, d Device) {
	l.mu.Lock()
	if l.scan != s || s.seen[d.ID] {
		l.mu.Unlock()
		return
	}
	s.seen[d.ID] = true
	d.Preferred = l.deviceName != "" && strings.EqualFold(d.Name, l.deviceName)
	l.discovered = append(l.discovered, d)
	select {
	case s.out <- d:
	default:
		log.Warnf("peripheral: scan consumer behind, %s not queued", d.ID)
	}
	l.mu.Unlock()

	l.events.Publish(KindDeviceFound, Event{Kind: KindDeviceFound, Device: d})
}

func (l *Link) endScan(s *scanSession, err error) {
	l.mu.Lock()
	if l.scan == s {
		l.scan = nil
		if l.state == Scanning {
			l.setStateLocked(Idle)
		}
	}
	close(s.out)
	n := len(l.discovered)
	l.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		l.journal.Addf("scan failed: %v", err)
		return
	}
	l.journal.Addf("scan finished, %d device(s) found", n)
}

// StopScan ends an active scan early and waits for the radio to settle.
func (l *Link) StopScan() {
	l.mu.Lock()
	s := l.scan
	l.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Connect stops any scan, releases any previously active device and
// connects to id. Failures are returned as *ConnectionError and are never
// retried.
func (l *Link) Connect(ctx context.Context, id string) (Device, error) {
	l.mu.Lock()
	if l.state == Connecting {
		l.mu.Unlock()
		return Device{}, &ConnectionError{DeviceID: id, Err: ErrBusy}
	}
	dev := Device{ID: id}
	for _, d := range l.discovered {
		if d.ID == id {
			dev = d
			break
		}
	}
	prev := l.current
	l.current = nil
	l.attempt++
	attempt := l.attempt
	dctx, cancel := context.WithCancel(ctx)
	l.cancelDial = cancel
	l.setStateLocked(Connecting)
	l.mu.Unlock()
	defer cancel()

	l.StopScan()
	if prev != nil {
		l.release(prev, "replaced by "+dev.Label())
	}

	l.journal.Addf("connecting to peripheral %s", dev.Label())
	conn, err := l.adapter.Connect(dctx, id)

	l.mu.Lock()
	superseded := l.attempt != attempt
	if err == nil && superseded {
		err = context.Canceled
	}
	if err != nil {
		if !superseded {
			l.setStateLocked(Idle)
			l.cancelDial = nil
		}
		l.mu.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
		l.journal.Addf("peripheral connect to %s failed: %v", dev.Label(), err)
		return Device{}, &ConnectionError{DeviceID: id, Err: err}
	}
	c := &connection{dev: dev, conn: conn, released: make(chan struct{})}
	l.current = c
	l.cancelDial = nil
	l.setStateLocked(Connected)
	l.mu.Unlock()

	l.journal.Addf("connected to peripheral %s", dev.Label())
	l.events.Publish(KindConnect, Event{Kind: KindConnect, Device: dev})
	go l.monitor(c)
	return dev, nil
}

func (l *Link) monitor(c *connection) {
	select {
	case <-c.conn.Disconnected():
	case <-c.released:
		return
	}
	l.mu.Lock()
	if l.current == c {
		l.current = nil
		l.setStateLocked(Idle)
	}
	l.mu.Unlock()
	l.release(c, "connection lost")
}

// release tears c down and notifies exactly once, however many paths reach it.
func (l *Link) release(c *connection, reason string) {
	c.once.Do(func() {
		close(c.released)
		if err := c.conn.Disconnect(); err != nil {
			log.Warnf("peripheral: disconnect %s: %v", c.dev.ID, err)
		}
		l.journal.Addf("disconnected from peripheral %s: %s", c.dev.Label(), reason)
		l.events.Publish(KindDisconnect, Event{Kind: KindDisconnect, Device: c.dev, Reason: reason})
	})
}

// Disconnect drops the active device or abandons a pending connect. It is
// legal in every state.
func (l *Link) Disconnect() {
	l.mu.Lock()
	c := l.current
	l.current = nil
	if l.state == Connecting {
		l.attempt++
		if l.cancelDial != nil {
			l.cancelDial()
			l.cancelDial = nil
		}
	}
	if l.state == Connected || l.state == Connecting {
		l.setStateLocked(Idle)
	}
	l.mu.Unlock()

	if c != nil {
		l.release(c, "disconnected by user")
	}
}

// Write sends p to the data characteristic in chunks of the configured size.
func (l *Link) Write(p []byte) error {
	l.mu.Lock()
	c := l.current
	l.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	total := (len(p) + l.chunkSize - 1) / l.chunkSize
	for i := 0; i < total; i++ {
		end := min((i+1)*l.chunkSize, len(p))
		if err := c.conn.Write(p[i*l.chunkSize : end]); err != nil {
			return fmt.Errorf("write chunk %d/%d to %s: %w", i+1, total, c.dev.ID, err)
		}
	}
	return nil
}

// Close stops scanning, drops the device and stops event delivery.
func (l *Link) Close() {
	l.StopScan()
	l.Disconnect()
	l.events.Close()
}
