package peripheral

import (
	"context"
	"sync"
)

// FakeAdapter replays scripted sightings and hands out in-memory
// connections that record every write.
type FakeAdapter struct {
	mu          sync.Mutex
	accessErr   error
	sightings   []Device
	scanErr     error
	connectErr  map[string]error
	connectGate chan struct{}
	scanGate    chan struct{}
	scans       int
	scanning    int
	maxScanning int
	conns       []*FakeConn
}

func NewFakeAdapter(sightings ...Device) *FakeAdapter {
	return &FakeAdapter{
		sightings:  sightings,
		connectErr: make(map[string]error),
	}
}

func (a *FakeAdapter) DenyAccess(err error) {
	a.mu.Lock()
	a.accessErr = err
	a.mu.Unlock()
}

func (a *FakeAdapter) SetSightings(ds ...Device) {
	a.mu.Lock()
	a.sightings = ds
	a.mu.Unlock()
}

// FailScan makes the next scans end with err after replaying sightings.
func (a *FakeAdapter) FailScan(err error) {
	a.mu.Lock()
	a.scanErr = err
	a.mu.Unlock()
}

func (a *FakeAdapter) FailConnect(id string, err error) {
	a.mu.Lock()
	a.connectErr[id] = err
	a.mu.Unlock()
}

// HoldConnect makes Connect block until the returned func is called or the
// connect context ends.
func (a *FakeAdapter) HoldConnect() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.connectGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldScanExit makes a stopped scan keep the radio until the returned func
// is called.
func (a *FakeAdapter) HoldScanExit() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.scanGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// MaxConcurrentScans is the most scans ever running at once.
func (a *FakeAdapter) MaxConcurrentScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxScanning
}

func (a *FakeAdapter) RequestAccess(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessErr
}

func (a *FakeAdapter) Scan(ctx context.Context, found func(Device)) error {
	a.mu.Lock()
	a.scans++
	a.scanning++
	a.maxScanning = max(a.maxScanning, a.scanning)
	ds := append([]Device(nil), a.sightings...)
	err := a.scanErr
	gate := a.scanGate
	a.mu.Unlock()
	defer func() {
		if gate != nil {
			<-gate
		}
		a.mu.Lock()
		a.scanning--
		a.mu.Unlock()
	}()

	for _, d := range ds {
		if ctx.Err() != nil {
			return nil
		}
		found(d)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (a *FakeAdapter) Connect(ctx context.Context, id string) (Conn, error) {
	a.mu.Lock()
	err := a.connectErr[id]
	gate := a.connectGate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := &FakeConn{ID: id, gone: make(chan struct{})}
	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	return c, nil
}

func (a *FakeAdapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

func (a *FakeAdapter) Conns() []*FakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeConn(nil), a.conns...)
}

type FakeConn struct {
	ID string

	mu          sync.Mutex
	writes      [][]byte
	writeErr    error
	disconnects int
	once        sync.Once
	gone        chan struct{}
}

// Drop simulates the device going out of range.
func (c *FakeConn) Drop() {
	c.once.Do(func() { close(c.gone) })
}

func (c *FakeConn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *FakeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *FakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.Drop()
	return nil
}

func (c *FakeConn) Disconnected() <-chan struct{} { return c.gone }

func (c *FakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Written joins every write in order.
func (c *FakeConn) Written() []byte {
	var b []byte
	for _, w := range c.Writes() {
		b = append(b, w...)
	}
	return b
}

func (c *FakeConn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
