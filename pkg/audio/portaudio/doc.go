// Package portaudio connects the conversation pipeline to the local speaker
// and microphone through PortAudio.
//
// The real implementation needs the PortAudio C library and is compiled only
// with the "portaudio" build tag. Without the tag every constructor returns
// [ErrUnavailable], so the rest of the binary builds on machines without audio
// headers and falls back to the file or discard sinks.
package portaudio

import "errors"

// ErrUnavailable is returned when the binary was built without PortAudio.
var ErrUnavailable = errors.New("portaudio: built without the portaudio tag")

// DefaultFramesPerBuffer is the device buffer length in samples: 40 ms at
// 24 kHz.
const DefaultFramesPerBuffer = 960
