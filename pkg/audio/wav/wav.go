// Package wav wraps raw PCM in the canonical 44-byte RIFF/WAVE container and
// parses that header back out.
//
// Encode only produces the canonical layout: a RIFF descriptor, a 16-byte "fmt "
// chunk declaring PCM (format code 1) and a single "data" chunk. No extension
// chunks and no compression. Encoding is deterministic: identical inputs always
// produce identical output bytes.
//
// DecodeHeader and Decode accept exactly that layout. Parse walks the chunk list
// instead and accepts files written by other tools (LIST chunks, larger fmt
// chunks, odd-sized padding).
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length in bytes of the canonical WAV header.
const HeaderSize = 44

const (
	fmtChunkSize = 16
	formatPCM    = 1
)

// ErrInvalidHeader is returned by [DecodeHeader] and [Decode] when the buffer
// does not start with a canonical PCM WAV header.
var ErrInvalidHeader = errors.New("wav: invalid header")

// Header describes the fields of a canonical PCM WAV header.
type Header struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// DataSize is the payload length declared by the data chunk.
	DataSize int
}

// ByteRate returns SampleRate × Channels × BitsPerSample/8.
func (h Header) ByteRate() int {
	return h.SampleRate * h.Channels * h.BitsPerSample / 8
}

// BlockAlign returns Channels × BitsPerSample/8.
func (h Header) BlockAlign() int {
	return h.Channels * h.BitsPerSample / 8
}

// Encode returns a new buffer holding the 44-byte header followed by the
// unmodified pcm bytes.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	buf := make([]byte, HeaderSize+len(pcm))
	putHeader(buf, Header{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		DataSize:      len(pcm),
	})
	copy(buf[HeaderSize:], pcm)
	return buf
}

func putHeader(buf []byte, h Header) {
	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+h.DataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(h.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.ByteRate()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(h.BlockAlign()))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(h.BitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(h.DataSize))
}

// DecodeHeader parses the canonical header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), HeaderSize)
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return Header{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidHeader)
	}
	if string(buf[12:16]) != "fmt " || binary.LittleEndian.Uint32(buf[16:20]) != fmtChunkSize {
		return Header{}, fmt.Errorf("%w: non-canonical fmt chunk", ErrInvalidHeader)
	}
	if code := binary.LittleEndian.Uint16(buf[20:22]); code != formatPCM {
		return Header{}, fmt.Errorf("%w: format code %d is not PCM", ErrInvalidHeader, code)
	}
	if string(buf[36:40]) != "data" {
		return Header{}, fmt.Errorf("%w: missing data chunk", ErrInvalidHeader)
	}
	return Header{
		Channels:      int(binary.LittleEndian.Uint16(buf[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(buf[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(buf[34:36])),
		DataSize:      int(binary.LittleEndian.Uint32(buf[40:44])),
	}, nil
}

// Decode parses the header and returns it together with the payload. The
// payload is truncated to the declared data size when buf carries trailing
// bytes; a buffer shorter than the declared size yields what is present, which
// is what streaming servers produce when they write a placeholder size.
func Decode(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	data := buf[HeaderSize:]
	if h.DataSize >= 0 && h.DataSize < len(data) {
		data = data[:h.DataSize]
	}
	return h, data, nil
}

// Parse walks the RIFF chunk list of buf and returns the PCM format and data
// payload. Unlike [Decode] it tolerates extra chunks before "data" and fmt
// chunks longer than 16 bytes.
func Parse(buf []byte) (Header, []byte, error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return Header{}, nil, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidHeader)
	}

	var (
		h        Header
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(buf) {
		id := string(buf[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < fmtChunkSize || body+fmtChunkSize > len(buf) {
				return Header{}, nil, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidHeader)
			}
			if code := binary.LittleEndian.Uint16(buf[body : body+2]); code != formatPCM {
				return Header{}, nil, fmt.Errorf("%w: format code %d is not PCM", ErrInvalidHeader, code)
			}
			h.Channels = int(binary.LittleEndian.Uint16(buf[body+2 : body+4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(buf[body+4 : body+8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(buf[body+14 : body+16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return Header{}, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidHeader)
			}
			data := buf[body:]
			if size >= 0 && size < len(data) {
				data = data[:size]
			}
			h.DataSize = len(data)
			return h, data, nil
		}

		// Chunks are word aligned.
		offset = body + size + size%2
	}
	return Header{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidHeader)
}
