package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appdefaults "github.com/saker-ai/voice-relay/config"

	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/spf13/viper"
)

const envPrefix = "relay"

// ServerConfig holds the client-facing listener settings.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	WSPath           string        `mapstructure:"ws_path"`
	ReadLimitBytes   int64         `mapstructure:"read_limit_bytes"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MaxTransferBytes int           `mapstructure:"max_transfer_bytes"`
}

// TurnDetectionConfig mirrors the upstream server VAD parameters.
type TurnDetectionConfig struct {
	Type              string  `mapstructure:"type"`
	Threshold         float64 `mapstructure:"threshold"`
	PrefixPaddingMs   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMs int     `mapstructure:"silence_duration_ms"`
}

// RealtimeConfig describes the upstream realtime AI service.
type RealtimeConfig struct {
	URL                     string              `mapstructure:"url"`
	APIKey                  string              `mapstructure:"api_key"`
	Model                   string              `mapstructure:"model"`
	Voice                   string              `mapstructure:"voice"`
	Instructions            string              `mapstructure:"instructions"`
	InputAudioFormat        string              `mapstructure:"input_audio_format"`
	OutputAudioFormat       string              `mapstructure:"output_audio_format"`
	Modalities              []string            `mapstructure:"modalities"`
	TranscriptionModel      string              `mapstructure:"transcription_model"`
	TurnDetection           TurnDetectionConfig `mapstructure:"turn_detection"`
	ToolChoice              string              `mapstructure:"tool_choice"`
	Temperature             float64             `mapstructure:"temperature"`
	MaxResponseOutputTokens int                 `mapstructure:"max_response_output_tokens"`
	ConnectTimeout          time.Duration       `mapstructure:"connect_timeout"`
	ProfilePath             string              `mapstructure:"profile_path"`
	Tools                   []ToolConfig        `mapstructure:"-"`
}

// TestAudioConfig configures the request_test_audio tone.
type TestAudioConfig struct {
	Path        string `mapstructure:"path"`
	SampleRate  int    `mapstructure:"sample_rate"`
	FrequencyHz int    `mapstructure:"frequency_hz"`
	DurationMs  int    `mapstructure:"duration_ms"`
}

// Config is the full relay configuration.
type Config struct {
	RootDir     string          `mapstructure:"-"`
	HTTPAddr    string          `mapstructure:"http_addr"`
	Server      ServerConfig    `mapstructure:"server"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
	TestAudio   TestAudioConfig `mapstructure:"test_audio"`
	TLSCertPath string          `mapstructure:"tls_cert_path"`
	TLSKeyPath  string          `mapstructure:"tls_key_path"`
	TLSRequired bool            `mapstructure:"tls_required"`
	TLSDisable  bool            `mapstructure:"tls_disable"`
	Log         logger.Config   `mapstructure:"log"`
}

// Load reads the embedded defaults, then conf.yaml from the root dir, then the environment.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig reads an explicit config file on top of the defaults. An empty path falls back to Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("RELAY_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finish(v, rootDir)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetDefault("http_addr", "")
	v.SetDefault("server.port", 3002)
	v.SetDefault("server.ws_path", "/api/voice")
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.max_transfer_bytes", 10<<20)
	v.SetDefault("realtime.connect_timeout", 15*time.Second)
	v.SetDefault("test_audio.sample_rate", 24000)
	v.SetDefault("tls_required", false)
	v.SetDefault("tls_disable", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("realtime.api_key", "RELAY_REALTIME_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	return v, nil
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	deriveHTTPAddr(&cfg)
	derivePaths(&cfg)

	if cfg.Realtime.ProfilePath != "" {
		profile, err := ReadProfile(cfg.Realtime.ProfilePath)
		if err != nil {
			return Config{}, fmt.Errorf("read session profile: %w", err)
		}
		profile.Apply(&cfg.Realtime)
	}

	return cfg, nil
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 3002
	}
	if cfg.Server.Host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("RELAY_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.TestAudio.Path = resolvePath(cfg.RootDir, cfg.TestAudio.Path, "pcm16_24khz_mono_test_tone.wav")
	cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
	cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
	if cfg.Realtime.ProfilePath != "" {
		cfg.Realtime.ProfilePath = resolvePath(cfg.RootDir, cfg.Realtime.ProfilePath, "")
	}
	if cfg.Log.File.Path != "" {
		cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, "")
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
