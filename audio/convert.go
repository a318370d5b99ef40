package audio

// Convert remixes p to channels and linearly resamples it to rate.
func (p PCM) Convert(rate, channels int) PCM {
	out := p.remix(channels)
	if rate == out.SampleRate || out.SampleRate == 0 || rate <= 0 {
		return out
	}
	frames := out.Frames()
	n := int(int64(frames) * int64(rate) / int64(out.SampleRate))
	res := make([]int16, n*channels)
	step := float64(out.SampleRate) / float64(rate)
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		next := min(j+1, frames-1)
		for c := 0; c < channels; c++ {
			a := float64(out.Samples[j*channels+c])
			b := float64(out.Samples[next*channels+c])
			res[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return PCM{SampleRate: rate, Channels: channels, Samples: res}
}

func (p PCM) remix(channels int) PCM {
	if channels == p.Channels || p.Channels == 0 {
		return p
	}
	frames := p.Frames()
	res := make([]int16, frames*channels)
	for i := 0; i < frames; i++ {
		in := p.Samples[i*p.Channels : (i+1)*p.Channels]
		if channels == 1 {
			var sum int
			for _, s := range in {
				sum += int(s)
			}
			res[i] = int16(sum / len(in))
			continue
		}
		for c := 0; c < channels; c++ {
			res[i*channels+c] = in[min(c, len(in)-1)]
		}
	}
	return PCM{SampleRate: p.SampleRate, Channels: channels, Samples: res}
}
