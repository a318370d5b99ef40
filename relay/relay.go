// Package relay turns audio_data events into sound: it decodes the payload,
// plays it locally and forwards it to the peripheral when one is connected.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"glasslink/audio"
	"glasslink/journal"
	"glasslink/log"
	"glasslink/peripheral"
	"glasslink/proto"
)

var ErrDecode = errors.New("audio payload decode failed")

// Forwarder is the part of the peripheral link the relay writes through.
type Forwarder interface {
	Status() (peripheral.State, *peripheral.Device)
	Write(p []byte) error
}

type Options struct {
	Player  audio.Player
	Link    Forwarder
	Journal *journal.Journal
	// Path is the transient file every payload is written to.
	Path string
}

// Relay holds at most one loaded sound. A new event unloads the previous
// sound before its own payload touches the shared file.
type Relay struct {
	player  audio.Player
	link    Forwarder
	journal *journal.Journal
	path    string

	background atomic.Bool

	mu      sync.Mutex
	current audio.Sound
}

func New(opts Options) *Relay {
	if opts.Journal == nil {
		opts.Journal = journal.New(0)
	}
	if opts.Path == "" {
		opts.Path = filepath.Join(os.TempDir(), "glasslink", "temp_audio.wav")
	}
	return &Relay{
		player:  opts.Player,
		link:    opts.Link,
		journal: opts.Journal,
		path:    opts.Path,
	}
}

// SetForeground gates playback: while in the background, events are
// dropped before anything is written or played.
func (r *Relay) SetForeground(fg bool) {
	r.background.Store(!fg)
}

func (r *Relay) Foreground() bool { return !r.background.Load() }

func (r *Relay) Path() string { return r.path }

// Current returns the loaded sound, if any.
func (r *Relay) Current() audio.Sound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Handle processes one event. Every failure is journaled; the returned
// error is informational and never reflects a forwarding problem.
func (r *Relay) Handle(ctx context.Context, ev proto.AudioEvent) error {
	var m log.PlaybackMetrics
	t0 := time.Now()
	raw, err := decode(ev.Payload)
	if err != nil {
		r.journal.Addf("dropped audio: %v", err)
		return err
	}
	m.PayloadKB = float64(len(raw)) / 1024
	m.DecodeMs = ms(time.Since(t0))

	if r.background.Load() {
		r.journal.Add("audio skipped: app in background")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		r.current.Unload()
		r.current = nil
	}

	t1 := time.Now()
	if err := r.write(raw); err != nil {
		r.journal.Addf("audio write failed: %v", err)
		return err
	}
	m.WriteMs = ms(time.Since(t1))

	t2 := time.Now()
	playErr := r.play()
	m.LoadMs = ms(time.Since(t2))
	if playErr != nil {
		r.journal.Addf("playback failed: %v", playErr)
	}

	m.Forwarded, err = r.forward(raw)
	if err != nil {
		m.ForwardErr = err.Error()
		r.journal.Addf("forward to peripheral failed: %v", err)
	}
	log.Playback(m)
	return playErr
}

func decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw[:n], nil
}

func (r *Relay) write(raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.path, raw, 0o644)
}

func (r *Relay) play() error {
	snd, err := r.player.Load(r.path)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := snd.Play(); err != nil {
		snd.Unload()
		return fmt.Errorf("play: %w", err)
	}
	r.current = snd
	go r.release(snd)
	return nil
}

// release frees snd once it has played out.
func (r *Relay) release(snd audio.Sound) {
	<-snd.Done()
	r.mu.Lock()
	if r.current == snd {
		r.current = nil
	}
	r.mu.Unlock()
	snd.Unload()
}

// forward reads the link state at send time, not at receive time.
func (r *Relay) forward(raw []byte) (bool, error) {
	if r.link == nil {
		return false, nil
	}
	if state, _ := r.link.Status(); state != peripheral.Connected {
		return false, nil
	}
	if err := r.link.Write(raw); err != nil {
		return false, err
	}
	return true, nil
}

// Stop unloads the current sound.
func (r *Relay) Stop() {
	r.mu.Lock()
	snd := r.current
	r.current = nil
	r.mu.Unlock()
	if snd != nil {
		snd.Unload()
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
