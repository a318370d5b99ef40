package facade

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"glasslink/audio"
	"glasslink/eventchan"
	"glasslink/journal"
	"glasslink/peripheral"
	"glasslink/relay"
)

type recordedCues struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	failed       int
}

func (c *recordedCues) bump(n *int) {
	c.mu.Lock()
	*n++
	c.mu.Unlock()
}

func (c *recordedCues) Connected()    { c.bump(&c.connected) }
func (c *recordedCues) Disconnected() { c.bump(&c.disconnected) }
func (c *recordedCues) Failed()       { c.bump(&c.failed) }

func (c *recordedCues) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.disconnected, c.failed
}

type fixture struct {
	facade  *Facade
	dialer  *eventchan.FakeDialer
	adapter *peripheral.FakeAdapter
	player  *audio.FakePlayer
	cues    *recordedCues
}

func newFixture(t *testing.T, policy eventchan.Policy, sightings ...peripheral.Device) *fixture {
	t.Helper()
	j := journal.New(0)
	d := eventchan.NewFakeDialer()
	a := peripheral.NewFakeAdapter(sightings...)
	p := audio.NewFakePlayer()
	link := peripheral.New(peripheral.Options{Adapter: a, Journal: j, DeviceName: "SmartGlass_BT"})
	cues := &recordedCues{}
	f := New(Options{
		Channel: eventchan.New(eventchan.Options{Policy: policy, Dialer: d, Journal: j}),
		Link:    link,
		Relay: relay.New(relay.Options{
			Player:  p,
			Link:    link,
			Journal: j,
			Path:    filepath.Join(t.TempDir(), "temp_audio.wav"),
		}),
		Journal:      j,
		Cues:         cues,
		Endpoint:     "http://glass.test:5000",
		ScanDuration: 20 * time.Millisecond,
	})
	t.Cleanup(f.Close)
	return &fixture{facade: f, dialer: d, adapter: a, player: p, cues: cues}
}

func waitSnapshot(t *testing.T, f *Facade, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := f.Current()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, s)
		}
		time.Sleep(time.Millisecond)
	}
}

func (fx *fixture) connectServer(t *testing.T) *eventchan.FakeConn {
	t.Helper()
	if err := fx.facade.TriggerServerConnect(); err != nil {
		t.Fatal(err)
	}
	var conn *eventchan.FakeConn
	select {
	case conn = <-fx.dialer.Conns():
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	waitSnapshot(t, fx.facade, "server connected", Snapshot.ServerConnected)
	return conn
}

func TestChairAheadScenario(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	conn := fx.connectServer(t)

	conn.Emit("audio_data", map[string]any{
		"audio":       base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE")),
		"description": "a chair ahead",
		"objects":     []string{"chair"},
		"timestamp":   "t1",
	})

	s := waitSnapshot(t, fx.facade, "description", func(s Snapshot) bool {
		return s.LastDescription == "a chair ahead"
	})
	fx.facade.Wait()

	if s.PeripheralState != peripheral.Idle || s.ActiveDevice != nil {
		t.Errorf("peripheral = %v %+v", s.PeripheralState, s.ActiveDevice)
	}
	if len(s.DetectedObjects) != 1 || s.DetectedObjects[0] != "chair" {
		t.Errorf("objects = %v", s.DetectedObjects)
	}
	sounds := fx.player.Sounds()
	if len(sounds) != 1 || string(sounds[0].Data) != "RIFF....WAVE" || !sounds[0].Playing() {
		t.Fatalf("local playback = %+v", sounds)
	}
	if len(fx.adapter.Conns()) != 0 {
		t.Error("peripheral written while idle")
	}
}

func TestSnapshotNeverHalfUpdated(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	snaps, cancel := fx.facade.Subscribe()
	defer cancel()

	var (
		mu  sync.Mutex
		bad []Snapshot
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range snaps {
			if s.PeripheralConnected() != (s.ActiveDevice != nil) {
				mu.Lock()
				bad = append(bad, s)
				mu.Unlock()
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := fx.facade.TriggerConnect(ctx, "AA:01"); err != nil {
			t.Fatal(err)
		}
		if i%2 == 0 {
			fx.facade.TriggerDisconnect()
		} else {
			conns := fx.adapter.Conns()
			conns[len(conns)-1].Drop()
			waitSnapshot(t, fx.facade, "idle", func(s Snapshot) bool { return s.PeripheralState == peripheral.Idle })
		}
	}
	fx.facade.Wait()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(bad) > 0 {
		t.Errorf("%d inconsistent snapshots, first %+v", len(bad), bad[0])
	}
}

func TestTriggerScan(t *testing.T) {
	weak := peripheral.Device{ID: "AA:02", Name: "Speaker", RSSI: ptr(-80)}
	strong := peripheral.Device{ID: "AA:03", Name: "Headset", RSSI: ptr(-40)}
	glasses := peripheral.Device{ID: "AA:01", Name: "SmartGlass_BT", RSSI: ptr(-60)}
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond), weak, strong, glasses, weak)

	if err := fx.facade.TriggerScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := waitSnapshot(t, fx.facade, "scan end", func(s Snapshot) bool {
		return s.PeripheralState == peripheral.Idle && len(s.Discovered) == 3
	})
	got := []string{s.Discovered[0].ID, s.Discovered[1].ID, s.Discovered[2].ID}
	want := []string{"AA:01", "AA:03", "AA:02"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTriggerScanDenied(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	fx.adapter.DenyAccess(errors.New("bluetooth off"))
	if err := fx.facade.TriggerScan(context.Background()); !errors.Is(err, peripheral.ErrPermissionDenied) {
		t.Errorf("err = %v", err)
	}
	if len(fx.facade.Journal()) == 0 {
		t.Error("denial not journaled")
	}
}

func TestServerLifecycle(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	conn := fx.connectServer(t)

	conn.Emit("connection_status", map[string]string{"status": "ok", "message": "Connected to Smart Glass server"})
	waitSnapshot(t, fx.facade, "status", func(s Snapshot) bool {
		return s.StatusMessage == "Connected to Smart Glass server"
	})
	conn.Emit("server_status", map[string]any{"model_loaded": true, "connected_clients": 2})
	waitSnapshot(t, fx.facade, "server status", func(s Snapshot) bool {
		return s.Server != nil && s.Server.ConnectedClients == 2
	})

	if err := fx.facade.RequestStatus(context.Background()); err != nil {
		t.Errorf("RequestStatus: %v", err)
	}
	fx.facade.TriggerServerDisconnect()
	s := fx.facade.Current()
	if s.ServerState != eventchan.Disconnected {
		t.Errorf("state = %v", s.ServerState)
	}
	if err := fx.facade.RequestStatus(context.Background()); !errors.Is(err, eventchan.ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
	fx.facade.Wait()
	if c, d, _ := fx.cues.counts(); c != 1 || d != 1 {
		t.Errorf("cues connected=%d disconnected=%d", c, d)
	}
}

func TestTerminalFailureCue(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(2, time.Millisecond))
	fx.dialer.FailAlways(errors.New("unreachable"))

	fx.facade.TriggerServerConnect()
	waitSnapshot(t, fx.facade, "failed", func(s Snapshot) bool {
		return s.ServerState == eventchan.Failed && s.StatusMessage != ""
	})
	fx.facade.Wait()
	if _, _, f := fx.cues.counts(); f != 1 {
		t.Errorf("failure cues = %d", f)
	}
}

func TestBackgroundMutesCuesAndPlayback(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	fx.facade.SetForeground(false)
	if fx.facade.Current().Foreground {
		t.Fatal("snapshot still foreground")
	}

	conn := fx.connectServer(t)
	fx.facade.TriggerConnect(context.Background(), "AA:01")
	conn.Emit("audio_data", map[string]any{"audio": "AAAA", "description": "stairs"})
	waitSnapshot(t, fx.facade, "description", func(s Snapshot) bool { return s.LastDescription == "stairs" })
	fx.facade.Wait()

	if c, _, _ := fx.cues.counts(); c != 0 {
		t.Errorf("cues while backgrounded: %d", c)
	}
	if len(fx.player.Sounds()) != 0 {
		t.Error("played while backgrounded")
	}
	if w := fx.adapter.Conns()[0].Writes(); len(w) != 0 {
		t.Error("forwarded while backgrounded")
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	snaps, cancel := fx.facade.Subscribe()

	select {
	case s := <-snaps:
		if !s.Foreground {
			t.Error("initial snapshot not foreground")
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	cancel()
	cancel()
	if _, ok := <-snaps; ok {
		t.Error("channel open after cancel")
	}

	other, _ := fx.facade.Subscribe()
	<-other
	fx.facade.Close()
	if _, ok := <-other; ok {
		t.Error("channel open after Close")
	}
	if late, _ := fx.facade.Subscribe(); late != nil {
		if _, ok := <-late; ok {
			t.Error("subscription after Close delivered")
		}
	}
}

func ptr(v int) *int { return &v }

func TestDetectionUpdatesDescription(t *testing.T) {
	fx := newFixture(t, eventchan.Bounded(5, time.Millisecond))
	conn := fx.connectServer(t)

	conn.Emit("detection", map[string]any{
		"text":    "a door on the left",
		"objects": []map[string]any{{"name": "door", "confidence": 0.8}},
	})
	s := waitSnapshot(t, fx.facade, "detection", func(s Snapshot) bool {
		return s.LastDescription == "a door on the left"
	})
	if len(s.DetectedObjects) != 1 || s.DetectedObjects[0] != "door" {
		t.Errorf("objects = %v", s.DetectedObjects)
	}
	if s.Descriptions != 0 {
		t.Errorf("descriptions = %d, detections carry no audio", s.Descriptions)
	}
	if len(fx.player.Sounds()) != 0 {
		t.Error("detection should not play audio")
	}
}
