package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
)

func decodeFLAC(data []byte) (PCM, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("flac: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	pcm := PCM{
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
	}
	if info.NSamples > 0 {
		pcm.Samples = make([]int16, 0, int(info.NSamples)*pcm.Channels)
	}
	shift := int(info.BitsPerSample) - 16

	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return PCM{}, fmt.Errorf("flac frame: %w", err)
		}
		for i := 0; i < int(f.BlockSize); i++ {
			for _, sub := range f.Subframes {
				pcm.Samples = append(pcm.Samples, scale(sub.Samples[i], shift))
			}
		}
	}
	return pcm, nil
}

func scale(s int32, shift int) int16 {
	switch {
	case shift > 0:
		return int16(s >> shift)
	case shift < 0:
		return int16(s << -shift)
	}
	return int16(s)
}
