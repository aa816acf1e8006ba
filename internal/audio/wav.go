package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotWAV is returned for data without a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a RIFF/WAVE file")
	// ErrNoDataChunk is returned when the file has no data chunk.
	ErrNoDataChunk = errors.New("wav data chunk not found")
)

// WAV is the PCM content of a wave file.
type WAV struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	Data          []byte
}

// ParseWAV walks the RIFF chunks and returns the fmt fields and data chunk.
// Chunks are word aligned.
func ParseWAV(file []byte) (WAV, error) {
	if len(file) < 12 || string(file[0:4]) != "RIFF" || string(file[8:12]) != "WAVE" {
		return WAV{}, ErrNotWAV
	}

	var wav WAV
	haveData := false
	offset := 12
	for offset+8 <= len(file) {
		id := string(file[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(file[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if size < 0 || end > len(file) {
			end = len(file)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAV{}, fmt.Errorf("wav fmt chunk too short: %d bytes", end-body)
			}
			chunk := file[body:end]
			wav.Format = binary.LittleEndian.Uint16(chunk[0:2])
			wav.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			wav.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			wav.BitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
		case "data":
			wav.Data = file[body:end]
			haveData = true
		}
		if haveData && wav.SampleRate > 0 {
			break
		}

		offset = body + size
		if size%2 == 1 {
			offset++
		}
	}
	if !haveData {
		return WAV{}, ErrNoDataChunk
	}
	return wav, nil
}
