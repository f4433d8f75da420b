package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call engine and model worker.
// Components receive it at construction; nothing reads env vars after Load
// returns, so tests can override any field per call.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Channel audio contract: 8kHz mono PCM16LE in 20ms frames (160 samples),
	// the Asterisk slin convention.
	ChannelSampleRate int
	FrameSamples      int

	// Model worker endpoint and client budgets.
	WorkerURL             string
	WorkerRequestTimeout  time.Duration
	WorkerGenerateTimeout time.Duration

	// Worker server side.
	WorkerBindAddr       string
	WorkerMaxConcurrency int
	WorkerQueueWait      time.Duration
	ASRURL               string
	TTSURL               string
	LLMURL               string
	LLMModel             string
	LLMMaxTokens         int
	TTSVoice             string
	ReplyMaxRunes        int
	ReplyRejectMode      string
	DisallowedReplyTerms []string
	ModelSampleRateASR   int
	ModelSampleRateTTS   int

	// Barge-in detector tuning. Defaults are empirical, not architectural.
	NoiseFloorRMS   float64
	ConfirmFrames   int
	TrailingSilence time.Duration
	MaxPause        time.Duration
	NoSpeechTimeout time.Duration
	MaxUtterance    time.Duration

	// Conversation ceilings.
	MaxTurns        int
	MaxCallDuration time.Duration
	MaxFailedTurns  int
	RePromptLimit   int

	GreetingPath string
	ApologyPath  string
	GreetingText string
	ApologyText  string
	RePromptText string
	GoodbyeText  string
	ExitPhrases  []string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("ATTENDANT_BIND_ADDR", ":8077"),
		MetricsNamespace: envOrDefault("ATTENDANT_METRICS_NAMESPACE", "attendant"),
		AllowAnyOrigin:   false,

		ChannelSampleRate: 8000,
		FrameSamples:      160,

		WorkerURL:             envOrDefault("ATTENDANT_WORKER_URL", "http://127.0.0.1:8777"),
		WorkerRequestTimeout:  4 * time.Second,
		WorkerGenerateTimeout: 15 * time.Second,

		WorkerBindAddr:       envOrDefault("WORKER_BIND_ADDR", "127.0.0.1:8777"),
		WorkerMaxConcurrency: 4,
		WorkerQueueWait:      2 * time.Second,
		ASRURL:               trimmedEnv("WORKER_ASR_URL"),
		TTSURL:               trimmedEnv("WORKER_TTS_URL"),
		LLMURL:               envOrDefault("WORKER_LLM_URL", "http://localhost:11434"),
		LLMModel:             envOrDefault("WORKER_LLM_MODEL", "orca2:7b"),
		LLMMaxTokens:         50,
		TTSVoice:             envOrDefault("WORKER_TTS_VOICE", "af_heart"),
		ReplyMaxRunes:        400,
		ReplyRejectMode:      envOrDefault("ATTENDANT_REPLY_REJECT_MODE", "regenerate"),
		ModelSampleRateASR:   16000,
		ModelSampleRateTTS:   24000,

		NoiseFloorRMS:   300,
		ConfirmFrames:   5,
		TrailingSilence: 700 * time.Millisecond,
		MaxPause:        1500 * time.Millisecond,
		NoSpeechTimeout: 12 * time.Second,
		MaxUtterance:    30 * time.Second,

		MaxTurns:        50,
		MaxCallDuration: 15 * time.Minute,
		MaxFailedTurns:  3,
		RePromptLimit:   2,

		GreetingPath: envOrDefault("ATTENDANT_GREETING_PATH", "/usr/share/attendant/sounds/greeting.wav"),
		ApologyPath:  envOrDefault("ATTENDANT_APOLOGY_PATH", "/usr/share/attendant/sounds/apology.wav"),
		GreetingText: envOrDefault("ATTENDANT_GREETING_TEXT", "Hello, thank you for calling. How can I help you today?"),
		ApologyText:  envOrDefault("ATTENDANT_APOLOGY_TEXT", "I'm sorry, I'm having trouble right now. Please call back later."),
		RePromptText: envOrDefault("ATTENDANT_REPROMPT_TEXT", "Are you still there? How can I help you?"),
		GoodbyeText:  envOrDefault("ATTENDANT_GOODBYE_TEXT", "Thank you for calling. Goodbye."),
		ExitPhrases:  defaultExitPhrases(),

		DatabaseURL: trimmedEnv("DATABASE_URL"),

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("ATTENDANT_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerRequestTimeout, err = durationFromEnv("ATTENDANT_WORKER_REQUEST_TIMEOUT", cfg.WorkerRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerGenerateTimeout, err = durationFromEnv("ATTENDANT_WORKER_GENERATE_TIMEOUT", cfg.WorkerGenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerQueueWait, err = durationFromEnv("WORKER_QUEUE_WAIT", cfg.WorkerQueueWait)
	if err != nil {
		return Config{}, err
	}
	cfg.TrailingSilence, err = durationFromEnv("ATTENDANT_TRAILING_SILENCE", cfg.TrailingSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPause, err = durationFromEnv("ATTENDANT_MAX_PAUSE", cfg.MaxPause)
	if err != nil {
		return Config{}, err
	}
	cfg.NoSpeechTimeout, err = durationFromEnv("ATTENDANT_NO_SPEECH_TIMEOUT", cfg.NoSpeechTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUtterance, err = durationFromEnv("ATTENDANT_MAX_UTTERANCE", cfg.MaxUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCallDuration, err = durationFromEnv("ATTENDANT_MAX_CALL_DURATION", cfg.MaxCallDuration)
	if err != nil {
		return Config{}, err
	}

	cfg.NoiseFloorRMS, err = floatFromEnv("ATTENDANT_NOISE_FLOOR_RMS", cfg.NoiseFloorRMS)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfirmFrames, err = intFromEnv("ATTENDANT_CONFIRM_FRAMES", cfg.ConfirmFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTurns, err = intFromEnv("ATTENDANT_MAX_TURNS", cfg.MaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFailedTurns, err = intFromEnv("ATTENDANT_MAX_FAILED_TURNS", cfg.MaxFailedTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.RePromptLimit, err = intFromEnv("ATTENDANT_REPROMPT_LIMIT", cfg.RePromptLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerMaxConcurrency, err = intFromEnv("WORKER_MAX_CONCURRENCY", cfg.WorkerMaxConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxTokens, err = intFromEnv("WORKER_LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("ATTENDANT_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	if v := trimmedEnv("ATTENDANT_EXIT_PHRASES"); v != "" {
		cfg.ExitPhrases = splitPhrases(v)
	}
	if v := trimmedEnv("WORKER_DISALLOWED_TERMS"); v != "" {
		cfg.DisallowedReplyTerms = splitPhrases(v)
	}

	if cfg.ConfirmFrames <= 0 {
		return Config{}, fmt.Errorf("ATTENDANT_CONFIRM_FRAMES must be positive")
	}
	if cfg.NoiseFloorRMS <= 0 {
		return Config{}, fmt.Errorf("ATTENDANT_NOISE_FLOOR_RMS must be positive")
	}
	if cfg.TrailingSilence <= 0 || cfg.MaxPause < cfg.TrailingSilence {
		return Config{}, fmt.Errorf("ATTENDANT_MAX_PAUSE must be >= ATTENDANT_TRAILING_SILENCE and both positive")
	}
	if cfg.NoSpeechTimeout < time.Second {
		return Config{}, fmt.Errorf("ATTENDANT_NO_SPEECH_TIMEOUT must be at least 1s")
	}
	if cfg.MaxCallDuration < time.Minute {
		return Config{}, fmt.Errorf("ATTENDANT_MAX_CALL_DURATION must be at least 1m")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("ATTENDANT_MAX_TURNS must be positive")
	}
	if cfg.WorkerMaxConcurrency <= 0 {
		return Config{}, fmt.Errorf("WORKER_MAX_CONCURRENCY must be positive")
	}
	switch cfg.ReplyRejectMode {
	case "regenerate", "reprompt":
	default:
		return Config{}, fmt.Errorf("ATTENDANT_REPLY_REJECT_MODE must be regenerate or reprompt")
	}

	return cfg, nil
}

// FrameDuration returns the wall-clock length of one channel frame.
func (c Config) FrameDuration() time.Duration {
	if c.ChannelSampleRate <= 0 || c.FrameSamples <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.ChannelSampleRate)
}

func defaultExitPhrases() []string {
	return []string{
		"goodbye", "good bye", "bye", "bye bye",
		"that's all", "that is all", "nothing else",
		"problem solved", "all set",
		"i'm done", "we're done", "finished",
	}
}

func splitPhrases(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
