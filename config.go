package dragonscale

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the DragonScale runtime.
type Config struct {
	// Hard ceiling on the number of steps in one chain
	MaxChainLength int `yaml:"max_chain_length"`

	// Planning rounds against the reasoning service
	MaxIterations  int  `yaml:"max_iterations"`
	EnableChaining bool `yaml:"enable_chaining"`

	// Reasoning service model, e.g. "googleai/gemini-2.0-flash"
	ReasoningModel string `yaml:"reasoning_model"`

	// Event bus configuration
	EnableEventBus      bool `yaml:"enable_event_bus"`
	EventBusBufferSize  int  `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int  `yaml:"event_bus_worker_count"`

	// Trace retention
	TraceTTL      time.Duration `yaml:"trace_ttl"`
	TraceFilePath string        `yaml:"trace_file_path"`

	// Concurrent instructions in ProcessBatch
	BatchConcurrency int `yaml:"batch_concurrency"`

	// HTTP transport
	ListenAddr string `yaml:"listen_addr"`

	// Optional YAML file seeding the in-memory data layer
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxChainLength:      5,
		MaxIterations:       3,
		EnableChaining:      true,
		ReasoningModel:      "googleai/gemini-2.0-flash",
		EnableEventBus:      true,
		EventBusBufferSize:  256,
		EventBusWorkerCount: 2,
		TraceTTL:            30 * time.Minute,
		BatchConcurrency:    4,
		ListenAddr:          ":8080",
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var reasons []string
	if c.MaxChainLength < 1 {
		reasons = append(reasons, "max_chain_length must be at least 1")
	}
	if c.MaxIterations < 1 {
		reasons = append(reasons, "max_iterations must be at least 1")
	}
	if c.EnableEventBus && c.EventBusWorkerCount < 1 {
		reasons = append(reasons, "event_bus_worker_count must be at least 1 when the event bus is enabled")
	}
	if c.BatchConcurrency < 1 {
		reasons = append(reasons, "batch_concurrency must be at least 1")
	}
	if len(reasons) > 0 {
		err := NewConfigurationError("invalid configuration", nil)
		err.Reasons = reasons
		return err
	}
	return nil
}

// EffectiveIterations returns the planning round budget for one instruction.
func (c Config) EffectiveIterations(instr Instruction) int {
	if !c.EnableChaining || !instr.ChainingEnabled() {
		return 1
	}
	return c.MaxIterations
}

// EffectiveChainLength returns the chain ceiling for one instruction. A
// request may lower the ceiling but never raise it.
func (c Config) EffectiveChainLength(instr Instruction) int {
	if instr.MaxChainLength > 0 && instr.MaxChainLength < c.MaxChainLength {
		return instr.MaxChainLength
	}
	return c.MaxChainLength
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
