package portaudio

import (
	"fmt"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

// samplesFor decodes a WAV buffer into mono PCM16 samples at the device rate.
func samplesFor(buf []byte, deviceRate int) ([]int16, error) {
	h, pcm, err := wav.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	if h.BitsPerSample != 16 {
		return nil, fmt.Errorf("portaudio: unsupported bit depth %d", h.BitsPerSample)
	}
	switch h.Channels {
	case 1:
	case 2:
		pcm = audio.StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("portaudio: unsupported channel count %d", h.Channels)
	}
	if h.SampleRate != deviceRate {
		pcm = audio.ResampleMono16(pcm, h.SampleRate, deviceRate)
	}
	return audio.Samples(pcm), nil
}
