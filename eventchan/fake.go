package eventchan

import (
	"context"
	"errors"
	"sync"

	"glasslink/proto"
)

var errFakeClosed = errors.New("fake connection closed")

// FakeHandshake is what a FakeConn plays back before any pushed frame.
const FakeHandshake = `0{"sid":"fake","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

// FakeDialer hands out in-memory connections that complete the Socket.IO
// handshake on their own. Failures can be scripted per dial.
type FakeDialer struct {
	mu    sync.Mutex
	fail  int // upcoming dials to fail; negative fails forever
	err   error
	dials int
	urls  []string
	conns chan *FakeConn
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{conns: make(chan *FakeConn, 16)}
}

// FailNext makes the next n dials return err.
func (d *FakeDialer) FailNext(n int, err error) {
	d.mu.Lock()
	d.fail, d.err = n, err
	d.mu.Unlock()
}

func (d *FakeDialer) FailAlways(err error) { d.FailNext(-1, err) }

func (d *FakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewFakeConn()
	select {
	case d.conns <- c:
	default:
	}
	return c, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns yields each connection as it is dialed.
func (d *FakeDialer) Conns() <-chan *FakeConn { return d.conns }

type FakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func NewFakeConn() *FakeConn {
	c := &FakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	c.in <- []byte(FakeHandshake)
	c.in <- []byte(`40{"sid":"fake-ns"}`)
	return c
}

// Push queues a raw frame for the client to read.
func (c *FakeConn) Push(frame string) {
	c.in <- []byte(frame)
}

// Emit queues a server event.
func (c *FakeConn) Emit(event string, payload any) error {
	data, err := proto.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	c.in <- data
	return nil
}

// Drop simulates the network going away.
func (c *FakeConn) Drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *FakeConn) Closed() <-chan struct{} { return c.closed }

func (c *FakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *FakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Close() error {
	c.Drop()
	return nil
}
