package segment

import (
	"encoding/binary"
	"errors"
	"sync"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM this encoder
// accepts.
const bitsPerSample = 16

// WAVEncoder is an [Encoder] that accumulates raw 16-bit PCM between Start
// and Stop and flushes it as one self-contained RIFF/WAV chunk. Local capture
// paths and tests use it; browser clients upload their own container formats.
//
// Write may be called from a capture goroutine concurrently with Start/Stop.
type WAVEncoder struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	running bool
	pcm     []byte
}

// NewWAVEncoder creates a stopped encoder for the given PCM format.
func NewWAVEncoder(sampleRate, channels int) *WAVEncoder {
	return &WAVEncoder{sampleRate: sampleRate, channels: channels}
}

// Start begins a fresh recording, discarding any previous buffer.
func (e *WAVEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("segment: wav encoder already started")
	}
	e.running = true
	e.pcm = e.pcm[:0]
	return nil
}

// Write appends PCM samples to the active recording. Data written while the
// encoder is stopped is discarded; capture devices keep delivering frames for
// a moment after a stop and those frames belong to no chunk.
func (e *WAVEncoder) Write(pcm []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return len(pcm), nil
	}
	e.pcm = append(e.pcm, pcm...)
	return len(pcm), nil
}

// Stop ends the recording and returns the buffered audio as a complete WAV
// file. A stop with no buffered samples returns a header-only file, which the
// producer drops via its minimum-size check.
func (e *WAVEncoder) Stop() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, errors.New("segment: wav encoder not started")
	}
	e.running = false
	return EncodeWAV(e.pcm, e.sampleRate, e.channels), nil
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. Every chunk the live producer emits through a
// [WAVEncoder] passes through here, which is what makes each chunk
// independently decodable.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// ValidWAVHeader reports whether data begins with a well-formed RIFF/WAVE
// header. Used by tests to assert chunk independence.
func ValidWAVHeader(data []byte) bool {
	if len(data) < 44 {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WAVDuration returns the playback length in seconds of a WAV file produced
// by [EncodeWAV] (PCM, canonical 44-byte header). It returns 0 for anything
// it cannot read, so callers can treat the result as a best-effort hint.
func WAVDuration(data []byte) float64 {
	if !ValidWAVHeader(data) {
		return 0
	}
	byteRate := binary.LittleEndian.Uint32(data[28:32])
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	if byteRate == 0 {
		return 0
	}
	if int(dataSize) > len(data)-44 {
		dataSize = uint32(len(data) - 44)
	}
	return float64(dataSize) / float64(byteRate)
}
