package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/pool"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/voxgate/pkg/provider/llm/openai"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxgate/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxgate/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/energy"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{
			whisper.WithHTTPClient(tracedClient(optDuration(entry.Options, "timeout"))),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithHTTPClient(tracedClient(optDuration(entry.Options, "timeout"))),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{
			coqui.WithHTTPClient(tracedClient(optDuration(entry.Options, "timeout"))),
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{
			elevenlabs.WithHTTPClient(tracedClient(optDuration(entry.Options, "timeout"))),
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		// No client timeout: a long answer streams for as long as it takes.
		opts := []oallm.Option{
			oallm.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm. Local servers (ollama,
	// llamacpp, llamafile) leave the key empty.
	for _, providerName := range anyllm.Backends() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if rms := optFloat(entry.Options, "reference_rms"); rms > 0 {
			opts = append(opts, energy.WithReferenceRMS(rms))
		}
		if n := optInt(entry.Options, "smoothing"); n > 0 {
			opts = append(opts, energy.WithSmoothing(n))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"asr", "tts", "llm", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// builtProviders holds everything buildProviders produces. ASR and TTS are
// factories: the pool constructs each at most once, on first use.
type builtProviders struct {
	ASR pool.Factory[stt.Provider]
	TTS pool.Factory[tts.Provider]
	LLM llm.Provider
	VAD vad.Engine

	// Failover groups built so far, for readiness.
	Failover *failoverSet
}

type memberHealth interface {
	Health() []resilience.MemberHealth
}

// failoverSet tracks the failover groups by provider kind. Groups for the
// lazily built models appear once the pool constructs them.
type failoverSet struct {
	mu     sync.Mutex
	groups map[string]memberHealth
}

func (f *failoverSet) add(kind string, g memberHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups == nil {
		f.groups = make(map[string]memberHealth)
	}
	f.groups[kind] = g
}

// Check fails when every member of some group has an open breaker.
func (f *failoverSet) Check(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var down []string
	for kind, g := range f.groups {
		open := 0
		members := g.Health()
		for _, m := range members {
			if m.State == resilience.StateOpen {
				open++
			}
		}
		if open == len(members) {
			down = append(down, kind)
		}
	}
	if len(down) > 0 {
		slices.Sort(down)
		return fmt.Errorf("all %s providers have open circuits", strings.Join(down, ", "))
	}
	return nil
}

// buildProviders resolves the configured providers. The LLM and VAD are
// constructed now; an unknown name anywhere fails startup.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*builtProviders, error) {
	p := &cfg.Providers
	for kind, names := range map[string][]string{
		"asr": entryNames(p.ASR),
		"tts": entryNames(p.TTS),
	} {
		known := reg.Names(kind)
		for _, n := range names {
			if !slices.Contains(known, n) {
				return nil, fmt.Errorf("%w: %s/%q", config.ErrProviderNotRegistered, kind, n)
			}
		}
	}

	fb := fallbackConfig(p.CircuitBreaker, metrics)
	set := &failoverSet{}
	out := &builtProviders{
		ASR: func(context.Context) (stt.Provider, error) {
			return buildASR(reg, p.ASR, fb, set)
		},
		TTS: func(context.Context) (tts.Provider, error) {
			return buildTTS(reg, p.TTS, fb, set)
		},
		Failover: set,
	}

	var err error
	out.LLM, err = buildLLM(reg, p.LLM, fb, set)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", p.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", p.LLM.Name, "fallbacks", len(p.LLM.Fallbacks))

	out.VAD, err = reg.CreateVAD(p.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad %q: %w", p.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", p.VAD.Name)

	return out, nil
}

func buildASR(reg *config.Registry, entry config.ProviderEntry, fb resilience.FallbackConfig, set *failoverSet) (stt.Provider, error) {
	primary, err := reg.CreateASR(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewSTTFallback(primary, entry.Name, fb)
	for _, e := range entry.Fallbacks {
		p, err := reg.CreateASR(e)
		if err != nil {
			return nil, fmt.Errorf("asr fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, p)
	}
	set.add("asr", group)
	return group, nil
}

func buildTTS(reg *config.Registry, entry config.ProviderEntry, fb resilience.FallbackConfig, set *failoverSet) (tts.Provider, error) {
	primary, err := reg.CreateTTS(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewTTSFallback(primary, entry.Name, fb)
	for _, e := range entry.Fallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("tts fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, p)
	}
	set.add("tts", group)
	return group, nil
}

func buildLLM(reg *config.Registry, entry config.ProviderEntry, fb resilience.FallbackConfig, set *failoverSet) (llm.Provider, error) {
	primary, err := reg.CreateLLM(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewLLMFallback(primary, entry.Name, fb)
	for _, e := range entry.Fallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, p)
	}
	set.add("llm", group)
	return group, nil
}

func fallbackConfig(cb config.CircuitBreakerConfig, metrics *observe.Metrics) resilience.FallbackConfig {
	cfg := resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
	}
	if metrics != nil {
		cfg.OnStateChange = func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	return resilience.FallbackConfig{CircuitBreaker: cfg}
}

func entryNames(e config.ProviderEntry) []string {
	names := []string{e.Name}
	for _, f := range e.Fallbacks {
		names = append(names, f.Name)
	}
	return names
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// providerTimeout bounds one REST call to a speech provider whose entry sets
// no "timeout" option.
const providerTimeout = 30 * time.Second

// tracedClient returns a fresh HTTP client whose requests become child spans
// of the caller's turn span and carry W3C trace headers upstream. Each
// provider gets its own client because provider options may mutate it.
func tracedClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = providerTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes integers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a numeric option as float64.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optDuration extracts a duration option written as a Go duration string
// ("30s") or as a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
