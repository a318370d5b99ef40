package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BLEAdapter drives the host's default Bluetooth LE adapter. Writes go to
// one characteristic of one service on the connected device.
type BLEAdapter struct {
	adapter *bluetooth.Adapter
	service bluetooth.UUID
	char    bluetooth.UUID

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
	conns map[string]*bleConn
}

func NewBLEAdapter(serviceUUID, charUUID string) (*BLEAdapter, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("service uuid: %w", err)
	}
	ch, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("characteristic uuid: %w", err)
	}
	return &BLEAdapter{
		adapter: bluetooth.DefaultAdapter,
		service: svc,
		char:    ch,
		addrs:   make(map[string]bluetooth.Address),
		conns:   make(map[string]*bleConn),
	}, nil
}

func (a *BLEAdapter) RequestAccess(ctx context.Context) error {
	if err := CheckAccess(ctx); err != nil {
		return err
	}
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("%w: enable adapter: %v", ErrPermissionDenied, err)
			return
		}
		a.adapter.SetConnectHandler(a.connectEvent)
	})
	return a.enableErr
}

func (a *BLEAdapter) connectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	a.mu.Lock()
	c := a.conns[device.Address.String()]
	a.mu.Unlock()
	if c != nil {
		c.lost()
	}
}

func (a *BLEAdapter) Scan(ctx context.Context, found func(Device)) error {
	errc := make(chan error, 1)
	go func() {
		errc <- a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			id := r.Address.String()
			rssi := int(r.RSSI)
			a.mu.Lock()
			a.addrs[id] = r.Address
			a.mu.Unlock()
			found(Device{ID: id, Name: r.LocalName(), RSSI: &rssi})
		})
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := a.adapter.StopScan(); err != nil {
			return fmt.Errorf("stop scan: %w", err)
		}
		return <-errc
	}
}

func (a *BLEAdapter) Connect(ctx context.Context, id string) (Conn, error) {
	a.mu.Lock()
	addr, ok := a.addrs[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s was not seen in a scan", id)
	}

	type result struct {
		conn *bleConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := a.dial(addr)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		a.mu.Lock()
		a.conns[id] = r.conn
		a.mu.Unlock()
		return r.conn, nil
	case <-ctx.Done():
		// The platform connect has no cancel; drop the link once it lands.
		go func() {
			if r := <-done; r.err == nil {
				r.conn.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *BLEAdapter) dial(addr bluetooth.Address) (*bleConn, error) {
	dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{a.service})
	if err != nil || len(svcs) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("service %s: %w", a.service, orMissing(err))
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{a.char})
	if err != nil || len(chars) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("characteristic %s: %w", a.char, orMissing(err))
	}
	return &bleConn{
		device: dev,
		char:   chars[0],
		gone:   make(chan struct{}),
	}, nil
}

var errMissing = errors.New("not offered by device")

func orMissing(err error) error {
	if err != nil {
		return err
	}
	return errMissing
}

type bleConn struct {
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
	once   sync.Once
	gone   chan struct{}
}

func (c *bleConn) lost() {
	c.once.Do(func() { close(c.gone) })
}

func (c *bleConn) Write(p []byte) error {
	_, err := c.char.WriteWithoutResponse(p)
	return err
}

func (c *bleConn) Disconnect() error {
	defer c.lost()
	return c.device.Disconnect()
}

func (c *bleConn) Disconnected() <-chan struct{} { return c.gone }
