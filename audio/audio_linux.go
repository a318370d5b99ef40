//go:build linux

package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// drainSlack covers the server-side buffer still playing when the reader
// hits the end of the samples.
const drainSlack = 150 * time.Millisecond

type pulsePlayer struct {
	client *pulse.Client
}

func NewPlayer() (Player, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulsePlayer{client: c}, nil
}

func (p *pulsePlayer) Load(path string) (Sound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if pcm.Channels > 2 {
		pcm = pcm.Convert(pcm.SampleRate, 2)
	}
	return newSound(pcm, p.start), nil
}

func (p *pulsePlayer) start(pcm PCM, finished func()) (func(), error) {
	samples := pcm.Samples
	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[pos:])
		pos += n
		return n, nil
	})

	layout := pulse.PlaybackMono
	vols := proto.ChannelVolumes{uint32(proto.VolumeNorm)}
	if pcm.Channels == 2 {
		layout = pulse.PlaybackStereo
		vols = proto.ChannelVolumes{uint32(proto.VolumeNorm), uint32(proto.VolumeNorm)}
	}
	stream, err := p.client.NewPlayback(reader,
		layout,
		pulse.PlaybackSampleRate(pcm.SampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(c *proto.CreatePlaybackStream) {
			c.ChannelVolumes = vols
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse playback: %w", err)
	}
	stream.Start()

	timer := time.AfterFunc(pcm.Duration()+drainSlack, finished)
	var once sync.Once
	return func() {
		once.Do(func() {
			timer.Stop()
			stream.Stop()
			stream.Close()
		})
	}, nil
}

func (p *pulsePlayer) Close() {
	p.client.Close()
}

// OutputDevices lists the PulseAudio sinks.
func OutputDevices() ([]DeviceInfo, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	defer c.Close()
	sinks, err := c.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("pulse list sinks: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sinks {
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}
