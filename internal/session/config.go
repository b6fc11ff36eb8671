package session

import (
	"strconv"
	"strings"
)

// Mode selects how the agent pipeline is assembled for a session.
type Mode string

const (
	// ModeThreeTier chains separate STT, LLM and TTS providers.
	ModeThreeTier Mode = "three_tier"
	// ModeS2S uses a single combined speech-to-speech provider.
	ModeS2S Mode = "s2s"
)

// Known provider identifiers. These are documentation-level allow-lists;
// ResolveConfig passes unrecognized values through and the agent runner is
// the component that rejects them.
const (
	STTProviderDeepgram   = "deepgram"
	LLMProviderOpenAI     = "openai"
	TTSProviderCartesia   = "cartesia"
	S2SProviderOpenAIRT   = "openai_realtime"
	DefaultSystemPrompt   = "You are a friendly voice assistant for kids. Keep responses short, clear, and age-appropriate."
	FallbackSystemPrompt  = "You are a friendly voice assistant."
	DefaultActivityPrompt = ""
)

// Config is the resolved, immutable set of agent parameters for one session.
// It is either consumed exactly once at offer time or never.
type Config struct {
	SystemPrompt   string `json:"system_prompt"`
	ActivityPrompt string `json:"activity_prompt"`
	Mode           Mode   `json:"mode"`
	STTProvider    string `json:"stt_provider"`
	LLMProvider    string `json:"llm_provider"`
	TTSProvider    string `json:"tts_provider"`
	S2SProvider    string `json:"s2s_provider"`
}

// DefaultConfig is the record used when session creation supplies no
// recognized fields.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:   DefaultSystemPrompt,
		ActivityPrompt: DefaultActivityPrompt,
		Mode:           ModeThreeTier,
		STTProvider:    STTProviderDeepgram,
		LLMProvider:    LLMProviderOpenAI,
		TTSProvider:    TTSProviderCartesia,
		S2SProvider:    S2SProviderOpenAIRT,
	}
}

// FallbackConfig is the record used at offer time when the session id is
// absent, unknown, or already consumed. Degrading to a generic assistant is
// preferable to failing a client that raced or retried the single-use URL.
func FallbackConfig() Config {
	cfg := DefaultConfig()
	cfg.SystemPrompt = FallbackSystemPrompt
	return cfg
}

// ResolveConfig normalizes an untyped creation request body into a Config.
//
// Each field is read under both the flat spelling (preferred) and the
// camelCase spelling, with the documented default applied when neither is
// present. Mode and provider values are not validated here; normalization is
// this layer's only job.
func ResolveConfig(body map[string]any) Config {
	cfg := DefaultConfig()
	if s, ok := StringField(body, "system_prompt", "systemPrompt"); ok {
		cfg.SystemPrompt = s
	}
	if s, ok := StringField(body, "activity_prompt", "activityPrompt"); ok {
		cfg.ActivityPrompt = s
	}
	if s, ok := StringField(body, "mode", "mode"); ok {
		cfg.Mode = Mode(s)
	}
	if s, ok := StringField(body, "stt_provider", "sttProvider"); ok {
		cfg.STTProvider = s
	}
	if s, ok := StringField(body, "llm_provider", "llmProvider"); ok {
		cfg.LLMProvider = s
	}
	if s, ok := StringField(body, "s2s_provider", "s2sProvider"); ok {
		cfg.S2SProvider = s
	}
	if s, ok := StringField(body, "tts_provider", "ttsProvider"); ok {
		cfg.TTSProvider = s
	}
	return cfg
}

// StringField reads a string value under either of two accepted key
// spellings, preferring the first. Empty and non-string values are treated
// as absent.
func StringField(body map[string]any, flat, camel string) (string, bool) {
	for _, key := range [2]string{flat, camel} {
		v, ok := body[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		return s, true
	}
	return "", false
}

// IntField reads an integer value under either of two accepted key
// spellings. JSON numbers decode as float64; numeric strings are coerced for
// clients that serialize indices as text.
func IntField(body map[string]any, flat, camel string) (int, bool) {
	for _, key := range [2]string{flat, camel} {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case string:
			parsed, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				continue
			}
			return parsed, true
		}
	}
	return 0, false
}
