// Package facade aggregates the event channel, the peripheral link and the
// audio relay into one consistent snapshot and exposes the operations a
// presentation layer may trigger.
package facade

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"glasslink/eventchan"
	"glasslink/journal"
	"glasslink/log"
	"glasslink/peripheral"
	"glasslink/proto"
	"glasslink/relay"
)

// Snapshot is immutable once published.
type Snapshot struct {
	ServerState     eventchan.State
	PeripheralState peripheral.State
	ActiveDevice    *peripheral.Device
	LastDescription string
	DetectedObjects []string
	StatusMessage   string
	Server          *proto.ServerStatus
	Discovered      []peripheral.Device
	Foreground      bool
	Descriptions    int
	UpdatedAt       time.Time
}

func (s Snapshot) ServerConnected() bool { return s.ServerState == eventchan.Connected }

func (s Snapshot) PeripheralConnected() bool { return s.PeripheralState == peripheral.Connected }

// Cues is told about connectivity changes while the app is in the
// foreground.
type Cues interface {
	Connected()
	Disconnected()
	Failed()
}

type noCues struct{}

func (noCues) Connected()    {}
func (noCues) Disconnected() {}
func (noCues) Failed()       {}

type Options struct {
	Channel      *eventchan.Channel
	Link         *peripheral.Link
	Relay        *relay.Relay
	Journal      *journal.Journal
	Cues         Cues
	Endpoint     string
	ScanDuration time.Duration
}

type Facade struct {
	channel  *eventchan.Channel
	link     *peripheral.Link
	relay    *relay.Relay
	journal  *journal.Journal
	cues     Cues
	endpoint string
	scanFor  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	closed bool
}

func New(opts Options) *Facade {
	if opts.Cues == nil {
		opts.Cues = noCues{}
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		channel:  opts.Channel,
		link:     opts.Link,
		relay:    opts.Relay,
		journal:  opts.Journal,
		cues:     opts.Cues,
		endpoint: opts.Endpoint,
		scanFor:  opts.ScanDuration,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]chan Snapshot),
	}
	initial := &Snapshot{Foreground: true, UpdatedAt: time.Now()}
	initial.ServerState = f.channel.State()
	initial.PeripheralState, initial.ActiveDevice = f.link.Status()
	f.snap.Store(initial)
	f.wire()
	return f
}

func (f *Facade) wire() {
	f.channel.Subscribe(eventchan.KindState, func(eventchan.Event) { f.refresh() })
	f.channel.Subscribe(eventchan.KindConnect, func(eventchan.Event) { f.cue(Cues.Connected) })
	f.channel.Subscribe(eventchan.KindDisconnect, func(eventchan.Event) { f.cue(Cues.Disconnected) })
	f.channel.Subscribe(eventchan.KindConnectionStatus, f.onStatus)
	f.channel.Subscribe(eventchan.KindServerStatus, f.onServerStatus)
	f.channel.Subscribe(eventchan.KindDetection, f.onDetection)
	f.channel.Subscribe(eventchan.KindAudioData, f.onAudio)

	f.link.On(peripheral.KindState, func(peripheral.Event) { f.refresh() })
	f.link.On(peripheral.KindDeviceFound, func(peripheral.Event) { f.refresh() })
	f.link.On(peripheral.KindConnect, func(peripheral.Event) { f.cue(Cues.Connected) })
	f.link.On(peripheral.KindDisconnect, func(peripheral.Event) { f.cue(Cues.Disconnected) })
}

func (f *Facade) cue(fn func(Cues)) {
	if f.Current().Foreground {
		fn(f.cues)
	}
}

func (f *Facade) onStatus(ev eventchan.Event) {
	if ev.State == eventchan.Failed {
		f.cue(Cues.Failed)
	}
	msg := ev.Status.Message
	if msg == "" {
		msg = ev.Status.Status
	}
	f.update(func(s *Snapshot) { s.StatusMessage = msg })
}

func (f *Facade) onServerStatus(ev eventchan.Event) {
	st := ev.Server
	f.update(func(s *Snapshot) { s.Server = &st })
}

func (f *Facade) onDetection(ev eventchan.Event) {
	d := ev.Detection
	objs := append([]string(nil), d.DetectedObjects...)
	f.update(func(s *Snapshot) {
		if d.Text != "" {
			s.LastDescription = d.Text
		}
		s.DetectedObjects = objs
	})
}

// onAudio records the description and hands the payload to the relay. It
// runs on the channel's audio_data queue, so events reach the relay one at
// a time and in arrival order.
func (f *Facade) onAudio(ev eventchan.Event) {
	a := ev.Audio
	if a.Description != "" {
		objs := append([]string(nil), a.DetectedObjects...)
		f.update(func(s *Snapshot) {
			s.LastDescription = a.Description
			s.DetectedObjects = objs
			s.Descriptions++
		})
		log.Description(a.Description)
	}
	if f.relay != nil {
		f.relay.Handle(f.ctx, a)
	}
}

func (f *Facade) refresh() {
	f.update(func(*Snapshot) {})
}

// update applies fn to a copy of the current snapshot, refreshes both
// connection states from their owners and publishes the result.
func (f *Facade) update(fn func(*Snapshot)) {
	f.mu.Lock()
	next := *f.snap.Load()
	fn(&next)
	next.ServerState = f.channel.State()
	next.PeripheralState, next.ActiveDevice = f.link.Status()
	next.Discovered = sortDevices(f.link.Discovered())
	next.UpdatedAt = time.Now()
	f.snap.Store(&next)
	f.broadcast(next)
	f.mu.Unlock()
}

// sortDevices puts preferred devices first, then stronger signals.
func sortDevices(ds []peripheral.Device) []peripheral.Device {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Preferred != ds[j].Preferred {
			return ds[i].Preferred
		}
		return rssiOf(ds[i]) > rssiOf(ds[j])
	})
	return ds
}

func rssiOf(d peripheral.Device) int {
	if d.RSSI == nil {
		return -1 << 15
	}
	return *d.RSSI
}

func (f *Facade) broadcast(s Snapshot) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.subs {
		// Keep only the newest snapshot for slow readers.
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Current returns the latest snapshot.
func (f *Facade) Current() Snapshot {
	return *f.snap.Load()
}

// Subscribe delivers the current snapshot and then every change. Readers
// that fall behind see only the newest snapshot.
func (f *Facade) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	f.subMu.Lock()
	if f.closed {
		f.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	ch <- f.Current()
	f.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(ch)
			}
			f.subMu.Unlock()
		})
	}
}

// Journal returns the activity journal, newest first.
func (f *Facade) Journal() []journal.Entry {
	return f.journal.Entries()
}

// JournalUpdates streams new journal entries.
func (f *Facade) JournalUpdates() (<-chan journal.Entry, func()) {
	return f.journal.Subscribe()
}

// TriggerScan requests radio access and scans for the configured window in
// the background.
func (f *Facade) TriggerScan(ctx context.Context) error {
	if !f.link.RequestAccess(ctx) {
		return peripheral.ErrPermissionDenied
	}
	found, err := f.link.Scan(f.ctx, f.scanFor)
	if err != nil {
		return err
	}
	go func() {
		for range found {
		}
		f.refresh()
	}()
	return nil
}

func (f *Facade) StopScan() {
	f.link.StopScan()
}

// TriggerConnect connects the peripheral and blocks until it succeeds or
// fails.
func (f *Facade) TriggerConnect(ctx context.Context, deviceID string) (peripheral.Device, error) {
	dev, err := f.link.Connect(ctx, deviceID)
	f.refresh()
	return dev, err
}

func (f *Facade) TriggerDisconnect() {
	f.link.Disconnect()
	f.refresh()
}

func (f *Facade) TriggerServerConnect() error {
	return f.channel.Connect(f.endpoint)
}

func (f *Facade) TriggerServerDisconnect() {
	f.channel.Disconnect()
	f.refresh()
}

func (f *Facade) RequestStatus(ctx context.Context) error {
	return f.channel.RequestStatus(ctx)
}

func (f *Facade) UpdateSettings(ctx context.Context, s proto.Settings) error {
	return f.channel.UpdateSettings(ctx, s)
}

// SetForeground gates local playback and cues.
func (f *Facade) SetForeground(fg bool) {
	if f.relay != nil {
		f.relay.SetForeground(fg)
	}
	f.update(func(s *Snapshot) { s.Foreground = fg })
}

// Wait blocks until both channels have delivered their pending events.
func (f *Facade) Wait() {
	f.channel.Wait()
	f.link.Wait()
}

// Close shuts every component down and ends all subscriptions.
func (f *Facade) Close() {
	f.cancel()
	f.channel.Close()
	f.link.Close()
	if f.relay != nil {
		f.relay.Stop()
	}
	f.subMu.Lock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.subMu.Unlock()
}
