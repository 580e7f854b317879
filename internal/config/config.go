package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/identity"
	"github.com/signalnine/driverbench/internal/score"
)

type Config struct {
	Model       Model      `yaml:"model"`
	Toolchain   Toolchain  `yaml:"toolchain"`
	Evaluation  Evaluation `yaml:"evaluation"`
	Tasks       []Task     `yaml:"tasks"`
	TaskGlobs   []string   `yaml:"task_globs"`
	CodingStyle string     `yaml:"coding_style"`
	Author      string     `yaml:"author"`
	Secrets     Secrets    `yaml:"secrets"`
	Results     Results    `yaml:"results"`
	Logging     Logging    `yaml:"logging"`
	PricingFile string     `yaml:"pricing_file"`
	Gateway     Gateway    `yaml:"gateway"`
	Metrics     Metrics    `yaml:"metrics"`

	// dir is the directory of the config file. Relative paths resolve
	// against it.
	dir string
}

type Model struct {
	Provider          string        `yaml:"provider"`
	Name              string        `yaml:"name"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	BaseURL           string        `yaml:"base_url"`
	Temperature       *float32      `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetryElapsed   time.Duration `yaml:"max_retry_elapsed"`
}

type Toolchain struct {
	// Executor is "local" or "docker".
	Executor       string        `yaml:"executor"`
	Image          string        `yaml:"image"`
	CompilerPath   string        `yaml:"compiler_path"`
	Compiler       Tool          `yaml:"compiler"`
	Analyzer       *Tool         `yaml:"analyzer"`
	CompileFlags   []string      `yaml:"compile_flags"`
	DropFlags      []string      `yaml:"drop_flags"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	CPULimit       float64       `yaml:"cpu_limit"`
	MemoryMB       int64         `yaml:"memory_mb"`
}

// Tool is a command template plus how its findings are read. An analyzer
// with an empty command is disabled.
type Tool struct {
	Command         string `yaml:"command"`
	Format          string `yaml:"format"`
	RequiresCompile bool   `yaml:"requires_compile"`
}

type Evaluation struct {
	Iterations       int           `yaml:"iterations"`
	Workers          int           `yaml:"workers"`
	Identity         string        `yaml:"identity"`
	Weights          score.Weights `yaml:"weights"`
	FeedbackMaxBytes int           `yaml:"feedback_max_bytes"`
}

type Task struct {
	ID         string `yaml:"id"`
	Prompt     string `yaml:"prompt"`
	PromptFile string `yaml:"prompt_file"`
	// Iterations overrides evaluation.iterations for this task.
	Iterations int `yaml:"iterations"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Gateway starts a local OpenAI-compatible proxy for the openai provider.
type Gateway struct {
	Enabled      bool          `yaml:"enabled"`
	Command      string        `yaml:"command"`
	ConfigFile   string        `yaml:"config_file"`
	LogDir       string        `yaml:"log_dir"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"

	DefaultIterations = 5
	DefaultCompiler   = "clang -fsyntax-only -Wall -Wextra {flags} {source}"
	DefaultAnalyzer   = "clang-tidy {source} -p {dir} --export-fixes={fixes}"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}
	cfg.dir = dir
	return cfg, nil
}

// Parse decodes and validates a config document. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	m := &cfg.Model
	if m.Provider == "" {
		m.Provider = "gemini"
	}
	switch m.Provider {
	case "gemini":
		if m.Name == "" {
			m.Name = "gemini-2.5-flash"
		}
		if m.APIKeyEnv == "" {
			m.APIKeyEnv = "GOOGLE_AI_API_KEY"
		}
	case "openai":
		if m.Name == "" {
			m.Name = "gpt-4o-mini"
		}
		if m.APIKeyEnv == "" {
			m.APIKeyEnv = "OPENAI_API_KEY"
		}
	default:
		return fmt.Errorf("model.provider %q: must be gemini or openai", m.Provider)
	}
	if m.Timeout == 0 {
		m.Timeout = 2 * time.Minute
	}
	if m.RequestsPerMinute < 0 {
		return fmt.Errorf("model.requests_per_minute must not be negative")
	}
	if m.MaxRetryElapsed == 0 {
		m.MaxRetryElapsed = 5 * time.Minute
	}

	tc := &cfg.Toolchain
	switch tc.Executor {
	case "":
		tc.Executor = ExecutorLocal
	case ExecutorLocal:
	case ExecutorDocker:
		if tc.Image == "" {
			return fmt.Errorf("toolchain.image is required for the docker executor")
		}
	default:
		return fmt.Errorf("toolchain.executor %q: must be local or docker", tc.Executor)
	}
	if tc.Compiler.Command == "" {
		tc.Compiler.Command = DefaultCompiler
	}
	if tc.Compiler.Format == "" {
		tc.Compiler.Format = string(diagnostic.FormatText)
	}
	if tc.Compiler.Format != string(diagnostic.FormatText) {
		return fmt.Errorf("toolchain.compiler.format must be text")
	}
	if tc.Analyzer == nil {
		tc.Analyzer = &Tool{Command: DefaultAnalyzer, Format: string(diagnostic.FormatFixes)}
	}
	if tc.Analyzer.Command != "" {
		f, err := diagnostic.ParseFormat(tc.Analyzer.Format)
		if err != nil {
			return fmt.Errorf("toolchain.analyzer: %w", err)
		}
		tc.Analyzer.Format = string(f)
	}
	if tc.Timeout == 0 {
		tc.Timeout = time.Minute
	}
	if tc.Timeout < 0 {
		return fmt.Errorf("toolchain.timeout must be positive")
	}
	if tc.MaxOutputBytes == 0 {
		tc.MaxOutputBytes = 1 << 20
	}

	ev := &cfg.Evaluation
	if ev.Iterations == 0 {
		ev.Iterations = DefaultIterations
	}
	if ev.Iterations < 1 {
		return fmt.Errorf("evaluation.iterations must be at least 1")
	}
	if ev.Workers == 0 {
		ev.Workers = 4
	}
	if ev.Workers < 1 {
		return fmt.Errorf("evaluation.workers must be at least 1")
	}
	if _, err := identity.ForStrategy(ev.Identity); err != nil {
		return fmt.Errorf("evaluation.identity: %w", err)
	}
	if ev.Identity == "" {
		ev.Identity = identity.StrategyNormalized
	}
	if ev.Weights.Compile < 0 || ev.Weights.WarningHandling < 0 {
		return fmt.Errorf("evaluation.weights must not be negative")
	}
	if ev.Weights == (score.Weights{}) {
		ev.Weights = score.DefaultWeights
	}
	if ev.FeedbackMaxBytes == 0 {
		ev.FeedbackMaxBytes = 8 << 10
	}

	if len(cfg.Tasks) == 0 && len(cfg.TaskGlobs) == 0 {
		return fmt.Errorf("no tasks defined")
	}
	seen := map[string]bool{}
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		if (t.Prompt == "") == (t.PromptFile == "") {
			return fmt.Errorf("task %d: exactly one of prompt or prompt_file is required", i)
		}
		if t.ID == "" {
			if t.PromptFile == "" {
				return fmt.Errorf("task %d: id is required for inline prompts", i)
			}
			t.ID = taskIDFromPath(t.PromptFile)
		}
		if seen[t.ID] {
			return fmt.Errorf("task %q defined twice", t.ID)
		}
		seen[t.ID] = true
		if t.Iterations < 0 {
			return fmt.Errorf("task %q: iterations must not be negative", t.ID)
		}
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Format != "console" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q: must be console or json", cfg.Logging.Format)
	}
	if cfg.Gateway.Enabled {
		if m.Provider != "openai" {
			return fmt.Errorf("gateway requires model.provider openai")
		}
		if cfg.Gateway.Command == "" {
			cfg.Gateway.Command = "litellm"
		}
		if cfg.Gateway.StartTimeout == 0 {
			cfg.Gateway.StartTimeout = 30 * time.Second
		}
	}
	return nil
}

// Path resolves p against the config file's directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// APIKey reads the model API key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.Model.APIKeyEnv)
}

// Override applies command-line overrides. Zero values leave the config
// unchanged.
func (c *Config) Override(iterations, workers int) error {
	if iterations < 0 || workers < 0 {
		return errors.New("overrides must not be negative")
	}
	if iterations > 0 {
		c.Evaluation.Iterations = iterations
		for i := range c.Tasks {
			c.Tasks[i].Iterations = 0
		}
	}
	if workers > 0 {
		c.Evaluation.Workers = workers
	}
	return nil
}
