package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ParseWAV extracts 16-bit mono PCM and its sample rate from a RIFF/WAVE
// file. Data without a RIFF header is returned as is with rate 0, so raw
// PCM files work too.
func ParseWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) {
		return data, 0, nil
	}
	if !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, fmt.Errorf("RIFF file is not WAVE")
	}

	var rate int
	var haveFmt bool
	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		chunk := data[body : body+size]

		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", len(chunk))
			}
			format := binary.LittleEndian.Uint16(chunk[0:2])
			channels := binary.LittleEndian.Uint16(chunk[2:4])
			bits := binary.LittleEndian.Uint16(chunk[14:16])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("want 16-bit mono PCM, got format %d with %d channels of %d bits", format, channels, bits)
			}
			rate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			return chunk, rate, nil
		}
		// Chunks are padded to even sizes.
		pos = body + size + size%2
	}
	return nil, 0, fmt.Errorf("no data chunk in WAVE file")
}

// WAV wraps 16-bit mono PCM in a canonical 44-byte header.
func WAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(1)) // PCM
	binary.Write(&buf, le, uint16(1)) // mono
	binary.Write(&buf, le, uint32(sampleRate))
	binary.Write(&buf, le, uint32(sampleRate*2))
	binary.Write(&buf, le, uint16(2))
	binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
