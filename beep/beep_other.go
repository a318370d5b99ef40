//go:build !linux

package beep

import (
	"sync"

	"glasslink/audio"
	"glasslink/log"
)

var playMu sync.Mutex

// playSamples goes through the audio package, which owns the process's
// only oto context.
func playSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}
	playMu.Lock()
	defer playMu.Unlock()

	snd, err := audio.PlayPCM(audio.PCM{SampleRate: sampleRate, Channels: 1, Samples: samples})
	if err != nil {
		log.Warnf("beep: %v", err)
		return
	}
	<-snd.Done()
	snd.Unload()
}
