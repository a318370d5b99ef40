//go:build !linux

package audio

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

const (
	outputRate     = 44100
	outputChannels = 2
	pollInterval   = 20 * time.Millisecond
)

var (
	otoCtx  *oto.Context
	otoErr  error
	otoOnce sync.Once
)

// oto allows a single context per process, so every player shares it.
func sharedContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   outputRate,
			ChannelCount: outputChannels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if otoErr != nil {
			otoErr = fmt.Errorf("oto: %w", otoErr)
			return
		}
		<-ready
	})
	return otoCtx, otoErr
}

type otoPlayer struct {
	ctx *oto.Context
}

func NewPlayer() (Player, error) {
	ctx, err := sharedContext()
	if err != nil {
		return nil, err
	}
	return &otoPlayer{ctx: ctx}, nil
}

func (p *otoPlayer) Load(path string) (Sound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return newSound(pcm.Convert(outputRate, outputChannels), p.start), nil
}

func (p *otoPlayer) start(pcm PCM, finished func()) (func(), error) {
	buf := make([]byte, len(pcm.Samples)*2)
	for i, s := range pcm.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	player := p.ctx.NewPlayer(bytes.NewReader(buf))
	player.Play()

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for player.IsPlaying() {
			select {
			case <-stop:
				return
			case <-t.C:
			}
		}
		finished()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			player.Pause()
			player.Close()
		})
	}, nil
}

func (p *otoPlayer) Close() {}

// OutputDevices lists playback devices through miniaudio.
func OutputDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()
	devices, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

// PlayPCM plays pcm on the shared output without going through a file.
func PlayPCM(pcm PCM) (Sound, error) {
	p, err := NewPlayer()
	if err != nil {
		return nil, err
	}
	s := newSound(pcm.Convert(outputRate, outputChannels), p.(*otoPlayer).start)
	if err := s.Play(); err != nil {
		return nil, err
	}
	return s, nil
}
