package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"glasslink/audio"
	"glasslink/journal"
	"glasslink/peripheral"
	"glasslink/proto"
)

type fixture struct {
	relay   *Relay
	player  *audio.FakePlayer
	adapter *peripheral.FakeAdapter
	link    *peripheral.Link
	journal *journal.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := journal.New(0)
	a := peripheral.NewFakeAdapter()
	l := peripheral.New(peripheral.Options{Adapter: a, Journal: j, ChunkSize: 8})
	t.Cleanup(l.Close)
	p := audio.NewFakePlayer()
	r := New(Options{
		Player:  p,
		Link:    l,
		Journal: j,
		Path:    filepath.Join(t.TempDir(), "out", "temp_audio.wav"),
	})
	t.Cleanup(r.Stop)
	return &fixture{relay: r, player: p, adapter: a, link: l, journal: j}
}

func event(raw string) proto.AudioEvent {
	return proto.AudioEvent{
		Payload:         []byte(base64.StdEncoding.EncodeToString([]byte(raw))),
		Description:     "a chair ahead",
		DetectedObjects: []string{"chair"},
		RawTimestamp:    "t1",
	}
}

func (f *fixture) journalHas(substr string) bool {
	for _, e := range f.journal.Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (f *fixture) connect(t *testing.T) *peripheral.FakeConn {
	t.Helper()
	if _, err := f.link.Connect(context.Background(), "AA:01"); err != nil {
		t.Fatal(err)
	}
	return f.adapter.Conns()[0]
}

func TestPlaysLocallyWhenIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.relay.Handle(ctx, event("RIFF-payload-A")); err != nil {
		t.Fatal(err)
	}
	sounds := f.player.Sounds()
	if len(sounds) != 1 {
		t.Fatalf("loads = %d, want 1", len(sounds))
	}
	if string(sounds[0].Data) != "RIFF-payload-A" || !sounds[0].Playing() {
		t.Errorf("sound = %q playing=%v", sounds[0].Data, sounds[0].Playing())
	}
	if len(f.adapter.Conns()) != 0 {
		t.Error("peripheral touched while idle")
	}
}

func TestDecodeFailureDropsEvent(t *testing.T) {
	f := newFixture(t)
	ev := event("x")
	ev.Payload = []byte("%%% not base64 %%%")

	err := f.relay.Handle(context.Background(), ev)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if len(f.player.Sounds()) != 0 {
		t.Error("undecodable payload was played")
	}
	if _, err := os.Stat(f.relay.Path()); !os.IsNotExist(err) {
		t.Error("undecodable payload was written")
	}
	if f.journal.Len() != 1 || !f.journalHas("dropped audio") {
		t.Errorf("journal = %v", f.journal.Entries())
	}

	ev.Payload = nil
	if err := f.relay.Handle(context.Background(), ev); !errors.Is(err, ErrDecode) {
		t.Errorf("empty payload err = %v", err)
	}
}

func TestBackgroundSkipsEverything(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.relay.SetForeground(false)

	before := f.journal.Len()
	if err := f.relay.Handle(context.Background(), event("payload")); err != nil {
		t.Fatal(err)
	}
	if f.journal.Len() != before+1 || !f.journalHas("background") {
		t.Errorf("journal = %v", f.journal.Entries())
	}
	if _, err := os.Stat(f.relay.Path()); !os.IsNotExist(err) {
		t.Error("file written while in background")
	}
	if len(f.player.Sounds()) != 0 {
		t.Error("played while in background")
	}
	if len(conn.Writes()) != 0 {
		t.Error("forwarded while in background")
	}

	f.relay.SetForeground(true)
	f.relay.Handle(context.Background(), event("payload"))
	if len(f.player.Sounds()) != 1 {
		t.Error("not played after returning to foreground")
	}
}

func TestSingleSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.Handle(ctx, event("A"))
	f.relay.Handle(ctx, event("B"))

	sounds := f.player.Sounds()
	if len(sounds) != 2 {
		t.Fatalf("loads = %d", len(sounds))
	}
	if !sounds[0].Unloaded() {
		t.Error("first sound still loaded")
	}
	if n := f.player.Active(); n != 1 {
		t.Errorf("active sounds = %d, want 1", n)
	}
	if f.relay.Current() != audio.Sound(sounds[1]) {
		t.Error("current is not the newest sound")
	}
	data, _ := os.ReadFile(f.relay.Path())
	if string(data) != "B" {
		t.Errorf("file holds %q", data)
	}
}

func TestCompletionReleasesSound(t *testing.T) {
	f := newFixture(t)
	f.relay.Handle(context.Background(), event("A"))
	s := f.player.Sounds()[0]

	s.Finish()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Unloaded() || f.relay.Current() != nil {
		if time.Now().After(deadline) {
			t.Fatal("sound not released after completion")
		}
		time.Sleep(time.Millisecond)
	}
	if f.player.Active() != 0 {
		t.Errorf("active = %d", f.player.Active())
	}
}

func TestForwardsSameBytesWhenConnected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	payload := "0123456789abcdefXYZ"
	if err := f.relay.Handle(context.Background(), event(payload)); err != nil {
		t.Fatal(err)
	}
	played := f.player.Sounds()[0].Data
	if !bytes.Equal(conn.Written(), played) || string(played) != payload {
		t.Errorf("forwarded %q, played %q", conn.Written(), played)
	}
	if len(conn.Writes()) != 3 {
		t.Errorf("chunks = %d", len(conn.Writes()))
	}
}

func TestForwardChecksStateAtSendTime(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.link.Disconnect()

	f.relay.Handle(context.Background(), event("after disconnect"))
	if len(conn.Writes()) != 0 {
		t.Error("wrote to a disconnected peripheral")
	}
	if len(f.player.Sounds()) != 1 {
		t.Error("local playback skipped")
	}
}

func TestForwardFailureNotEscalated(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	conn.FailWrites(errors.New("gatt busy"))

	if err := f.relay.Handle(context.Background(), event("payload")); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if !f.journalHas("forward to peripheral failed") {
		t.Error("forward failure not journaled")
	}
}

func TestPlaybackFailureStillForwards(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.player.FailLoad(audio.ErrUnsupportedFormat)

	err := f.relay.Handle(context.Background(), event("payload"))
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("err = %v", err)
	}
	if !f.journalHas("playback failed") {
		t.Error("playback failure not journaled")
	}
	if string(conn.Written()) != "payload" {
		t.Errorf("forwarded %q", conn.Written())
	}
	if f.relay.Current() != nil {
		t.Error("failed sound kept as current")
	}
}
