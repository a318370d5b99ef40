// Package beep plays short connectivity cues.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

var (
	disabled  atomic.Bool
	rendered  map[cue][]int16
	soundOnce sync.Once
)

func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	// Connect: rising pair of ticks
	connectLow    = 880
	connectHigh   = 1320
	connectVolume = 0.45
	connectDecay  = 50

	// Disconnect: single falling tick
	disconnectFreq   = 660
	disconnectVolume = 0.45
	disconnectDecay  = 35

	// Failure: low double-beep
	failFreq   = 350
	failVolume = 0.6
	failDecay  = 30
)

type cue int

const (
	cueConnect cue = iota
	cueDisconnect
	cueFail
)

// tone renders mono 16-bit samples of one decaying sine.
func tone(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / sampleRate
		out[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * math.Exp(-t*decay))
	}
	return out
}

func silence(duration float64) []int16 {
	return make([]int16, int(sampleRate*duration))
}

func join(parts ...[]int16) []int16 {
	var out []int16
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func render(c cue) []int16 {
	switch c {
	case cueConnect:
		return join(
			tone(connectLow, 0.06, connectVolume, connectDecay),
			silence(0.03),
			tone(connectHigh, 0.08, connectVolume, connectDecay),
		)
	case cueDisconnect:
		return tone(disconnectFreq, 0.12, disconnectVolume, disconnectDecay)
	case cueFail:
		beep := tone(failFreq, 0.08, failVolume, failDecay)
		return join(beep, silence(0.05), beep)
	}
	return nil
}

func samples(c cue) []int16 {
	soundOnce.Do(func() {
		rendered = map[cue][]int16{
			cueConnect:    render(cueConnect),
			cueDisconnect: render(cueDisconnect),
			cueFail:       render(cueFail),
		}
	})
	return rendered[c]
}

func play(c cue) {
	if disabled.Load() {
		return
	}
	go playSamples(samples(c))
}

// Cues plays a tone for each connectivity change it is told about.
type Cues struct{}

func (Cues) Connected()    { play(cueConnect) }
func (Cues) Disconnected() { play(cueDisconnect) }
func (Cues) Failed()       { play(cueFail) }
