package beep

import "testing"

func TestRender(t *testing.T) {
	for _, c := range []cue{cueConnect, cueDisconnect, cueFail} {
		s := render(c)
		if len(s) == 0 {
			t.Fatalf("cue %d rendered empty", c)
		}
		peak := int16(0)
		for _, v := range s {
			if v > peak {
				peak = v
			}
		}
		if peak < 1000 {
			t.Errorf("cue %d peak %d, expected audible", c, peak)
		}
	}
	if got, want := len(render(cueFail)), 2*int(sampleRate*0.08)+int(sampleRate*0.05); got != want {
		t.Errorf("fail cue = %d samples, want %d", got, want)
	}
}

func TestSamplesCached(t *testing.T) {
	a := samples(cueConnect)
	b := samples(cueConnect)
	if &a[0] != &b[0] {
		t.Error("samples re-rendered")
	}
}
