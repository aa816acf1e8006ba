package audio

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/logger"
)

const (
	fallbackSampleRate  = 24000
	fallbackFrequencyHz = 440
	fallbackDurationMs  = 2000
)

// ToneConfig locates the test tone and its target format.
type ToneConfig struct {
	Path        string
	SampleRate  int
	FrequencyHz int
	DurationMs  int
}

// ToneSource serves the test tone. The WAV file is read once; if it cannot be
// used a generated sine wave is served instead.
type ToneSource struct {
	cfg    ToneConfig
	logger *zap.Logger

	once sync.Once
	pcm  []byte
	rate int
}

// NewToneSource creates a tone source.
func NewToneSource(cfg ToneConfig, log *zap.Logger) *ToneSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = fallbackSampleRate
	}
	return &ToneSource{cfg: cfg, logger: logger.OrNop(log)}
}

// TestAudio returns PCM16 mono audio and its sample rate.
func (s *ToneSource) TestAudio() ([]byte, int, error) {
	s.once.Do(s.load)
	return s.pcm, s.rate, nil
}

func (s *ToneSource) load() {
	pcm, err := s.fromFile()
	if err == nil {
		s.pcm, s.rate = pcm, s.cfg.SampleRate
		s.logger.Info("test audio loaded", zap.String("path", s.cfg.Path), zap.Int("bytes", len(pcm)))
		return
	}
	s.logger.Warn("test audio file unusable, generating tone", zap.String("path", s.cfg.Path), zap.Error(err))

	freq := s.cfg.FrequencyHz
	if freq <= 0 {
		freq = fallbackFrequencyHz
	}
	duration := s.cfg.DurationMs
	if duration <= 0 {
		duration = fallbackDurationMs
	}
	s.pcm, s.rate = Sine(freq, duration, fallbackSampleRate), fallbackSampleRate
}

func (s *ToneSource) fromFile() ([]byte, error) {
	if s.cfg.Path == "" {
		return nil, os.ErrNotExist
	}
	file, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return nil, err
	}
	wav, err := ParseWAV(file)
	if err != nil {
		return nil, err
	}
	if wav.Format != 1 || wav.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", wav.Format, wav.BitsPerSample)
	}
	if len(wav.Data) == 0 {
		return nil, ErrNoDataChunk
	}
	if wav.Channels <= 1 && wav.SampleRate == s.cfg.SampleRate {
		return wav.Data, nil
	}

	samples := Downmix(BytesToInt16(wav.Data), wav.Channels)
	samples, err = Resample(samples, wav.SampleRate, s.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample test audio: %w", err)
	}
	return Int16ToBytes(samples), nil
}
