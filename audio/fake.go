package audio

import (
	"os"
	"sync"
	"time"
)

// FakePlayer records every load and hands out sounds that finish only when
// told to.
type FakePlayer struct {
	mu      sync.Mutex
	loadErr error
	playErr error
	sounds  []*FakeSound
}

func NewFakePlayer() *FakePlayer { return &FakePlayer{} }

func (p *FakePlayer) FailLoad(err error) {
	p.mu.Lock()
	p.loadErr = err
	p.mu.Unlock()
}

func (p *FakePlayer) FailPlay(err error) {
	p.mu.Lock()
	p.playErr = err
	p.mu.Unlock()
}

func (p *FakePlayer) Load(path string) (Sound, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &FakeSound{Path: path, Data: data, playErr: p.playErr, done: make(chan struct{})}
	p.sounds = append(p.sounds, s)
	return s, nil
}

func (p *FakePlayer) Close() {}

func (p *FakePlayer) Sounds() []*FakeSound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSound(nil), p.sounds...)
}

// Active counts sounds loaded and not yet unloaded.
func (p *FakePlayer) Active() int {
	n := 0
	for _, s := range p.Sounds() {
		if !s.Unloaded() {
			n++
		}
	}
	return n
}

type FakeSound struct {
	Path string
	Data []byte

	mu       sync.Mutex
	playErr  error
	playing  bool
	unloaded bool
	once     sync.Once
	done     chan struct{}
}

func (s *FakeSound) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	if s.playing {
		return ErrAlreadyPlaying
	}
	s.playing = true
	return nil
}

// Finish simulates playback reaching the end.
func (s *FakeSound) Finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *FakeSound) Done() <-chan struct{} { return s.done }

func (s *FakeSound) Duration() time.Duration { return time.Second }

func (s *FakeSound) Unload() {
	s.mu.Lock()
	s.unloaded = true
	s.mu.Unlock()
	s.Finish()
}

func (s *FakeSound) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *FakeSound) Unloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloaded
}
