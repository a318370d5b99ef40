package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wavHeaderSize = 12
	wavFormatPCM  = 1
	wavFormatExt  = 0xFFFE
)

var errTruncated = errors.New("wav: truncated chunk")

func decodeWAV(data []byte) (PCM, error) {
	var (
		pcm      PCM
		bits     int
		haveFmt  bool
		haveData bool
		raw      []byte
	)
	for pos := wavHeaderSize; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := data[pos+8:]
		if size > len(body) {
			if id != "data" {
				return PCM{}, errTruncated
			}
			// Streamed WAVs often carry a placeholder size.
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("wav: fmt chunk of %d bytes", size)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			if format != wavFormatPCM && format != wavFormatExt {
				return PCM{}, fmt.Errorf("%w: wav format %d", ErrUnsupportedFormat, format)
			}
			pcm.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			pcm.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			raw = body
			haveData = true
		}
		pos += 8 + size + size%2
	}

	switch {
	case !haveFmt:
		return PCM{}, errors.New("wav: missing fmt chunk")
	case !haveData:
		return PCM{}, errors.New("wav: missing data chunk")
	case pcm.Channels < 1 || pcm.SampleRate < 1:
		return PCM{}, fmt.Errorf("wav: %d channels at %d Hz", pcm.Channels, pcm.SampleRate)
	}

	switch bits {
	case 16:
		pcm.Samples = make([]int16, len(raw)/2)
		for i := range pcm.Samples {
			pcm.Samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case 8:
		pcm.Samples = make([]int16, len(raw))
		for i, b := range raw {
			pcm.Samples[i] = int16(int(b)-128) << 8
		}
	case 24, 32:
		// Keep the top 16 bits of each little-endian sample.
		width := bits / 8
		pcm.Samples = make([]int16, len(raw)/width)
		for i := range pcm.Samples {
			off := i*width + width - 2
			pcm.Samples[i] = int16(binary.LittleEndian.Uint16(raw[off:]))
		}
	default:
		return PCM{}, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, bits)
	}
	return pcm, nil
}
