package assembler

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Static WAV codec errors.
var (
	// ErrNotWAV indicates that a segment payload is not a RIFF/WAVE file.
	ErrNotWAV = errors.New("payload is not a WAV file")
	// ErrUnsupportedFormat indicates a WAV encoding other than 16-bit PCM.
	ErrUnsupportedFormat = errors.New("only 16-bit PCM WAV is supported")
	// ErrTruncatedWAV indicates a WAV file shorter than its headers claim.
	ErrTruncatedWAV = errors.New("truncated WAV file")
)

const (
	riffHeaderSize   = 12
	chunkHeaderSize  = 8
	fmtChunkMinSize  = 16
	pcmFormatTag     = 1
	pcmBitsPerSample = 16
	bytesPerSample   = 2
)

// wavData is decoded 16-bit PCM audio.
type wavData struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// frames returns the number of sample frames (one sample per channel).
func (w *wavData) frames() int {
	return len(w.PCM) / (bytesPerSample * w.Channels)
}

// decodeWAV parses a RIFF/WAVE file and returns its PCM payload. Only the
// canonical 16-bit PCM layout produced by the inference provider is accepted.
func decodeWAV(data []byte) (*wavData, error) {
	if len(data) < riffHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		out      wavData
		haveFmt  bool
		haveData bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderSize

		if body+chunkSize > len(data) {
			return nil, ErrTruncatedWAV
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkMinSize {
				return nil, ErrTruncatedWAV
			}

			formatTag := binary.LittleEndian.Uint16(data[body : body+2])
			channels := binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate := binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])

			if formatTag != pcmFormatTag || bits != pcmBitsPerSample {
				return nil, fmt.Errorf("%w: format %d, %d bits",
					ErrUnsupportedFormat, formatTag, bits)
			}

			// Zero channels or rate would divide durations by zero.
			if channels == 0 || sampleRate == 0 {
				return nil, fmt.Errorf("%w: %d channels at %dHz",
					ErrUnsupportedFormat, channels, sampleRate)
			}

			out.SampleRate = int(sampleRate)
			out.Channels = int(channels)
			haveFmt = true
		case "data":
			out.PCM = data[body : body+chunkSize]
			haveData = true
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if !haveFmt || !haveData {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}

	return &out, nil
}

// encodeWAV wraps raw 16-bit PCM in a canonical RIFF/WAVE container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bytesPerSample
	byteRate := sampleRate * blockAlign
	dataSize := len(pcm)

	buf := make([]byte, 0, riffHeaderSize+chunkHeaderSize+fmtChunkMinSize+chunkHeaderSize+dataSize)

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+chunkHeaderSize+fmtChunkMinSize+chunkHeaderSize+dataSize))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, fmtChunkMinSize)
	buf = binary.LittleEndian.AppendUint16(buf, pcmFormatTag)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, pcmBitsPerSample)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, pcm...)

	return buf
}
