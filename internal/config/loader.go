package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VOXGATE_LLM_API_KEY.
const EnvPrefix = "VOXGATE"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"whisper", "whisper-native", "deepgram"},
	"tts": {"coqui", "elevenlabs"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad": {"energy"},
}

// Env holds the settings that may be supplied through the environment. Set
// values override the YAML file; unset ones leave it untouched.
type Env struct {
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	ASRAPIKey  string `envconfig:"ASR_API_KEY"`
	TTSAPIKey  string `envconfig:"TTS_API_KEY"`
	LLMAPIKey  string `envconfig:"LLM_API_KEY"`
	ArchiveDSN string `envconfig:"ARCHIVE_DSN"`
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment without overriding variables that are
// already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays VOXGATE_*
// environment variables, fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables described by [Env].
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, env.ListenAddr)
	set((*string)(&cfg.Server.LogLevel), env.LogLevel)
	set(&cfg.Providers.ASR.APIKey, env.ASRAPIKey)
	set(&cfg.Providers.TTS.APIKey, env.TTSAPIKey)
	set(&cfg.Providers.LLM.APIKey, env.LLMAPIKey)
	set(&cfg.Archive.PostgresDSN, env.ArchiveDSN)
	return nil
}

// ApplyDefaults fills zero values with the server defaults.
func ApplyDefaults(cfg *Config) {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	def(&cfg.Server.ShutdownTimeout, 15*time.Second)

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Workers == 0 {
		cfg.Providers.Workers = 4
	}

	s := &cfg.Session
	def(&s.HandshakeTimeout, 10*time.Second)
	def(&s.IdleTimeout, 5*time.Minute)
	def(&s.KeepaliveInterval, 15*time.Second)
	def(&s.Hangover, 600*time.Millisecond)
	def(&s.PartialInterval, time.Second)
	def(&s.MaxSegment, 30*time.Second)
	def(&s.PhraseTimeout, 5*time.Second)
	if s.TokenBudget == 0 {
		s.TokenBudget = 4096
	}
	if s.PhraseMaxChars == 0 {
		s.PhraseMaxChars = 200
	}

	if cfg.Dialogue.Temperature == 0 {
		cfg.Dialogue.Temperature = 0.7
	}
	def(&cfg.Memory.CheckInterval, 5*time.Second)
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxgate"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	for kind, entry := range map[string]ProviderEntry{
		"asr": cfg.Providers.ASR,
		"tts": cfg.Providers.TTS,
		"llm": cfg.Providers.LLM,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
		}
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			if len(fb.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] may not declare fallbacks", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if cfg.Providers.Workers < 0 {
		errs = append(errs, fmt.Errorf("providers.workers %d must not be negative", cfg.Providers.Workers))
	}

	s := cfg.Session
	if s.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("session.token_budget %d must not be negative", s.TokenBudget))
	}
	if s.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must not be negative", s.MaxTurns))
	}
	if s.Hangover < 0 {
		errs = append(errs, fmt.Errorf("session.hangover %s must not be negative", s.Hangover))
	}
	if s.SpeechThreshold < 0 || s.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.speech_threshold %.2f is out of range [0, 1]", s.SpeechThreshold))
	}
	if s.Voice.SpeedFactor != 0 && (s.Voice.SpeedFactor < 0.5 || s.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", s.Voice.SpeedFactor))
	}

	if t := cfg.Dialogue.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", t))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; conversations will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
