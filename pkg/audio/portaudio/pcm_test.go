package portaudio

import (
	"testing"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

func TestSamplesFor(t *testing.T) {
	mono := audio.Bytes([]int16{1, -2, 3, -4})
	stereo := audio.Bytes([]int16{100, 300, -100, -300})

	tests := []struct {
		name    string
		buf     []byte
		rate    int
		want    int
		wantErr bool
	}{
		{name: "same rate", buf: wav.Encode(mono, 24000, 1, 16), rate: 24000, want: 4},
		{name: "upsample", buf: wav.Encode(mono, 12000, 1, 16), rate: 24000, want: 8},
		{name: "stereo", buf: wav.Encode(stereo, 24000, 2, 16), rate: 24000, want: 2},
		{name: "8 bit", buf: wav.Encode([]byte{1, 2}, 24000, 1, 8), rate: 24000, wantErr: true},
		{name: "garbage", buf: []byte("nope"), rate: 24000, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := samplesFor(tc.buf, tc.rate)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("samplesFor: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}
