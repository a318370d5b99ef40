// Package audio decodes the payloads carried by audio_data events and plays
// them on the local output device.
package audio

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrAlreadyPlaying    = errors.New("sound already started")
)

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

func (p PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

func (p PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Decode sniffs the container and returns its samples. WAV and FLAC are
// understood.
func Decode(data []byte) (PCM, error) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return decodeWAV(data)
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return decodeFLAC(data)
	}
	return PCM{}, ErrUnsupportedFormat
}

// Sound is one loaded payload. Done is closed when playback finishes on its
// own or the sound is unloaded.
type Sound interface {
	Play() error
	Done() <-chan struct{}
	Duration() time.Duration
	Unload()
}

type Player interface {
	Load(path string) (Sound, error)
	Close()
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"jabra", "galaxy buds", "pixel buds", "jbl ",
	"smartglass", "bluetooth", "bluez", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the name whether an output device is wireless.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// starter begins backend playback of pcm and calls finished once the last
// sample has been played. stop must be safe after finished.
type starter func(pcm PCM, finished func()) (stop func(), err error)

type sound struct {
	pcm   PCM
	start starter

	mu      sync.Mutex
	started bool
	stop    func()

	once sync.Once
	done chan struct{}
}

func newSound(pcm PCM, start starter) *sound {
	return &sound{pcm: pcm, start: start, done: make(chan struct{})}
}

func (s *sound) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyPlaying
	}
	select {
	case <-s.done:
		return errors.New("sound unloaded")
	default:
	}
	stop, err := s.start(s.pcm, s.finish)
	if err != nil {
		return err
	}
	s.started = true
	s.stop = stop
	return nil
}

func (s *sound) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *sound) Done() <-chan struct{} { return s.done }

func (s *sound) Duration() time.Duration { return s.pcm.Duration() }

func (s *sound) Unload() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.pcm.Samples = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.finish()
}
