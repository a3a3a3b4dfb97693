package config

import (
	"os"
	"path/filepath"
	"time"
)

// Supported inference backends.
const (
	BackendOllama = "ollama" // native local runtime API
	BackendOpenAI = "openai" // OpenAI-compatible local server (llama.cpp, vLLM)
	BackendStatic = "static" // deterministic rule-based responder, no model
)

// ValidBackends lists all supported inference backends.
var ValidBackends = []string{BackendOllama, BackendOpenAI, BackendStatic}

// LLMConfig configures the local classification model.
type LLMConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"api_key,omitempty" toml:"api_key,omitempty"` // some local servers require a token

	ModelType    string `yaml:"model_type" toml:"model_type"`
	ModelName    string `yaml:"model_name" toml:"model_name"`
	ModelPath    string `yaml:"model_path" toml:"model_path"`
	ModelURL     string `yaml:"model_url,omitempty" toml:"model_url,omitempty"`
	ModelSHA256  string `yaml:"model_sha256,omitempty" toml:"model_sha256,omitempty"`
	ModelSizeMB  int    `yaml:"model_size_mb" toml:"model_size_mb"`
	Quantization string `yaml:"quantization" toml:"quantization"`

	// InferenceTimeout bounds one classification, queueing included (default: 5s).
	InferenceTimeout string  `yaml:"inference_timeout" toml:"inference_timeout"`
	LoadTimeout      string  `yaml:"load_timeout" toml:"load_timeout"`
	Temperature      float64 `yaml:"temperature" toml:"temperature"`

	// IdleUnload releases the model after this much inactivity. Empty disables.
	IdleUnload string `yaml:"idle_unload,omitempty" toml:"idle_unload,omitempty"`

	// CorrectionsPath points at user-supplied classification corrections.
	CorrectionsPath string `yaml:"corrections_path" toml:"corrections_path"`
}

// DefaultLLMConfig returns the defaults for a quantized 1.5B coder model
// served by a local runtime.
func DefaultLLMConfig() LLMConfig {
	name := "qwen2.5-coder-1.5b-instruct-q4_k_m"
	return LLMConfig{
		Backend:          BackendOllama,
		Endpoint:         "http://localhost:11434",
		ModelType:        "qwen-coder",
		ModelName:        name,
		ModelPath:        filepath.Join(DefaultHomeDir(), "models", name+".gguf"),
		ModelURL:         "https://huggingface.co/Qwen/Qwen2.5-Coder-1.5B-Instruct-GGUF/resolve/main/" + name + ".gguf",
		ModelSizeMB:      1000,
		Quantization:     "Q4_K_M",
		InferenceTimeout: "5s",
		LoadTimeout:      "2m",
		Temperature:      0.1,
		CorrectionsPath:  filepath.Join(DefaultHomeDir(), "classifier_corrections.json"),
	}
}

// GetInferenceTimeout returns the inference timeout as a duration.
func (l *LLMConfig) GetInferenceTimeout() time.Duration {
	return parseDuration(l.InferenceTimeout, 5*time.Second)
}

// GetLoadTimeout returns the model load timeout as a duration.
func (l *LLMConfig) GetLoadTimeout() time.Duration {
	return parseDuration(l.LoadTimeout, 2*time.Minute)
}

// GetIdleUnload returns the idle unload delay, or 0 when disabled.
func (l *LLMConfig) GetIdleUnload() time.Duration {
	if l.IdleUnload == "" {
		return 0
	}
	return parseDuration(l.IdleUnload, 0)
}

// ExpandedModelPath resolves a leading ~ in ModelPath.
func (l *LLMConfig) ExpandedModelPath() string {
	return expandHome(l.ModelPath)
}

// ExpandedCorrectionsPath resolves a leading ~ in CorrectionsPath.
func (l *LLMConfig) ExpandedCorrectionsPath() string {
	return expandHome(l.CorrectionsPath)
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks the model settings.
func (l *LLMConfig) Validate() error {
	validBackend := false
	for _, b := range ValidBackends {
		if l.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return invalid("hooks.llm.backend %q (valid: %v)", l.Backend, ValidBackends)
	}
	if l.Backend != BackendStatic && l.Endpoint == "" {
		return invalid("hooks.llm.endpoint is required for backend %q", l.Backend)
	}
	if l.ModelName == "" {
		return invalid("hooks.llm.model_name must not be empty")
	}
	if d, err := time.ParseDuration(l.InferenceTimeout); err != nil || d <= 0 {
		return invalid("hooks.llm.inference_timeout must be a positive duration, got %q", l.InferenceTimeout)
	}
	if l.Temperature < 0 || l.Temperature > 1 || l.Temperature != l.Temperature {
		return invalid("hooks.llm.temperature must be within [0,1]")
	}
	if l.ModelSHA256 != "" && len(l.ModelSHA256) != 64 {
		return invalid("hooks.llm.model_sha256 must be a hex-encoded SHA-256 digest")
	}
	return nil
}
