// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/aide/lib/backend"
	"github.com/bureau-foundation/aide/lib/sealed"
	"github.com/bureau-foundation/aide/lib/secret"
)

// Config is the aide daemon configuration.
type Config struct {
	// Backends are the model backends in file order. The first is the
	// default backend. At least one is required.
	Backends Backends `yaml:"backends"`

	// Fallbacks are global fallback model references, tried in order
	// after a failing backend's own fallback list.
	Fallbacks []string `yaml:"fallbacks"`

	// Chat configures the interactive conversation loop.
	Chat ChatConfig `yaml:"chat"`

	// Scheduler configures the durable job scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Debate configures the debate orchestrator.
	Debate DebateConfig `yaml:"debate"`

	// Subagent configures one-shot subagent dispatch.
	Subagent SubagentConfig `yaml:"subagent"`

	// Store configures the SQLite database.
	Store StoreConfig `yaml:"store"`

	// PersonasDir is the directory of persona definition files
	// (*.jsonc). Empty means no personas.
	PersonasDir string `yaml:"personas_dir"`
}

// ChatConfig configures the interactive conversation loop.
type ChatConfig struct {
	// SystemPrompt is the assistant's system prompt. Opaque to the
	// engine; passed through to the backend on every request.
	SystemPrompt string `yaml:"system_prompt"`

	// ContextQuota is the share of the model's context window an
	// outbound request may use before history is compacted. Valid
	// range 0.5 to 0.95. Default: 0.85.
	ContextQuota float64 `yaml:"context_quota"`
}

// SchedulerConfig configures the durable job scheduler.
type SchedulerConfig struct {
	// Enabled starts the scheduler loop. Default: true.
	Enabled bool `yaml:"enabled"`

	// PollInterval is how often due jobs are scanned for. At most 1m,
	// so a job never fires more than a minute late. Default: 30s.
	PollInterval Duration `yaml:"poll_interval"`

	// AttemptTimeout bounds one job execution attempt. Zero means no
	// bound beyond the scheduler's context. Default: 10m.
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// DebateConfig configures the debate orchestrator.
type DebateConfig struct {
	// DefaultRounds applies when a debate request leaves the round
	// count unset. At most 10. Default: 3.
	DefaultRounds int `yaml:"default_rounds"`
}

// SubagentConfig configures one-shot subagent dispatch.
type SubagentConfig struct {
	// Timeout bounds each dispatch attempt. Default: 2m.
	Timeout Duration `yaml:"timeout"`
}

// StoreConfig configures the SQLite database shared by the session,
// schedule, and transcript stores.
type StoreConfig struct {
	// Path is the database file. Default: <state dir>/aide.db.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the pool's
	// default.
	PoolSize int `yaml:"pool_size"`
}

// CapabilitiesConfig flags what a backend's models can do.
type CapabilitiesConfig struct {
	Tools     bool `yaml:"tools"`
	Vision    bool `yaml:"vision"`
	Reasoning bool `yaml:"reasoning"`
}

// BackendConfig is one model backend stanza.
type BackendConfig struct {
	// Protocol selects the wire adapter: anthropic, openai, or
	// ollama. Required.
	Protocol string `yaml:"protocol"`

	// BaseURL is the API root. Empty means the protocol's well-known
	// endpoint (api.anthropic.com, api.openai.com, 127.0.0.1:11434).
	BaseURL string `yaml:"base_url"`

	// APIKey is the credential value, normally written as a ${VAR}
	// expansion. Mutually exclusive with APIKeyFile and APIKeySealed.
	APIKey string `yaml:"api_key"`

	// APIKeyFile reads the credential from a file ("-" for stdin).
	APIKeyFile string `yaml:"api_key_file"`

	// APIKeySealed reads the credential from an age-encrypted file,
	// decrypted with Identity.
	APIKeySealed string `yaml:"api_key_sealed"`

	// Identity is the age identity file for APIKeySealed.
	Identity string `yaml:"identity"`

	// DefaultModel serves references that name this backend without a
	// model. Required on the first (default) backend.
	DefaultModel string `yaml:"default_model"`

	// Aliases maps short names to model identifiers or other aliases.
	Aliases map[string]string `yaml:"aliases"`

	// Models, when non-empty, is an allow-list of model identifiers.
	Models []string `yaml:"models"`

	// Fallbacks are model references tried when a call to this
	// backend fails.
	Fallbacks []string `yaml:"fallbacks"`

	// Subagents restricts which models subagent dispatch may use on
	// this backend. Empty means any resolvable model.
	Subagents []string `yaml:"subagents"`

	// NumCtx overrides the assumed context window. Zero means unset.
	NumCtx int `yaml:"num_ctx"`

	// Temperature is the default sampling temperature.
	Temperature *float64 `yaml:"temperature"`

	// Options are provider-specific generation options applied to
	// every request.
	Options map[string]any `yaml:"options"`

	// ModelOptions overrides Options per concrete model identifier.
	ModelOptions map[string]map[string]any `yaml:"model_options"`

	// Capabilities flags tool, vision, and reasoning support.
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// Backends is an ordered backend mapping. YAML mappings lose their
// order through a plain map, so unmarshalling walks the document
// nodes: Order holds the names as written, and the first name is the
// default backend.
type Backends struct {
	Order  []string
	ByName map[string]*BackendConfig
}

// UnmarshalYAML decodes the backends mapping preserving file order
// and rejecting duplicate names.
func (backends *Backends) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("backends must be a mapping of name to backend")
	}
	backends.Order = nil
	backends.ByName = make(map[string]*BackendConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if _, exists := backends.ByName[name]; exists {
			return fmt.Errorf("duplicate backend %q", name)
		}
		entry := &BackendConfig{}
		if err := node.Content[i+1].Decode(entry); err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
		backends.Order = append(backends.Order, name)
		backends.ByName[name] = entry
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration. Backends have no
// default: the config file must provide at least one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Chat: ChatConfig{
			ContextQuota: 0.85,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			PollInterval:   Duration(30 * time.Second),
			AttemptTimeout: Duration(10 * time.Minute),
		},
		Debate: DebateConfig{
			DefaultRounds: 3,
		},
		Subagent: SubagentConfig{
			Timeout: Duration(2 * time.Minute),
		},
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".local", "state", "aide", "aide.db"),
		},
	}
}

// Load loads configuration from the path in the AIDE_CONFIG
// environment variable. There are no fallbacks: an unset variable is
// an error, which keeps configuration deterministic and auditable.
func Load() (*Config, error) {
	configPath := os.Getenv("AIDE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AIDE_CONFIG environment variable not set; " +
			"set it to the path of your aide.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over [Default] and expanding ${VAR} patterns in credentials,
// URLs, and paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in every
// field that holds a credential, URL, or path.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	for _, name := range c.Backends.Order {
		b := c.Backends.ByName[name]
		b.BaseURL = expandVars(b.BaseURL, vars)
		b.APIKey = expandVars(b.APIKey, vars)
		b.APIKeyFile = expandVars(b.APIKeyFile, vars)
		b.APIKeySealed = expandVars(b.APIKeySealed, vars)
		b.Identity = expandVars(b.Identity, vars)
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.PersonasDir = expandVars(c.PersonasDir, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Backends.Order) == 0 {
		errs = append(errs, fmt.Errorf("at least one backend is required"))
	}
	for index, name := range c.Backends.Order {
		entry := c.Backends.ByName[name]

		sources := 0
		for _, source := range []string{entry.APIKey, entry.APIKeyFile, entry.APIKeySealed} {
			if source != "" {
				sources++
			}
		}
		if sources > 1 {
			errs = append(errs, fmt.Errorf("backend %q: api_key, api_key_file, and api_key_sealed are mutually exclusive", name))
		}
		if entry.APIKeySealed != "" && entry.Identity == "" {
			errs = append(errs, fmt.Errorf("backend %q: api_key_sealed requires identity", name))
		}
		if entry.Identity != "" && entry.APIKeySealed == "" {
			errs = append(errs, fmt.Errorf("backend %q: identity is only used with api_key_sealed", name))
		}
		if index == 0 && entry.DefaultModel == "" {
			errs = append(errs, fmt.Errorf("backend %q: the default backend needs default_model", name))
		}

		// Structural checks (protocol enum, URL shape, alias cycles)
		// live on the descriptor.
		descriptor := entry.descriptor(name)
		if err := descriptor.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if quota := c.Chat.ContextQuota; quota != 0 && (quota < 0.5 || quota > 0.95) {
		errs = append(errs, fmt.Errorf("chat.context_quota %g out of range [0.5, 0.95]", quota))
	}
	if interval := c.Scheduler.PollInterval.Std(); interval <= 0 || interval > time.Minute {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval %s out of range (0, 1m]", interval))
	}
	if timeout := c.Scheduler.AttemptTimeout.Std(); timeout < 0 {
		errs = append(errs, fmt.Errorf("scheduler.attempt_timeout %s is negative", timeout))
	}
	if rounds := c.Debate.DefaultRounds; rounds < 1 || rounds > 10 {
		errs = append(errs, fmt.Errorf("debate.default_rounds %d out of range [1, 10]", rounds))
	}
	if timeout := c.Subagent.Timeout.Std(); timeout < 0 {
		errs = append(errs, fmt.Errorf("subagent.timeout %s is negative", timeout))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size %d is negative", c.Store.PoolSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Descriptors resolves each backend's credential into locked memory
// and returns the validated descriptor list in file order, ready for
// the registry. The caller owns the credential buffers.
func (c *Config) Descriptors() ([]backend.Descriptor, error) {
	descriptors := make([]backend.Descriptor, 0, len(c.Backends.Order))
	for _, name := range c.Backends.Order {
		entry := c.Backends.ByName[name]
		credential, err := entry.credential()
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		descriptor := entry.descriptor(name)
		descriptor.Credential = credential
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

// wellKnownBaseURL is the default API root per protocol.
func wellKnownBaseURL(protocol backend.Protocol) string {
	switch protocol {
	case backend.ProtocolAnthropic:
		return "https://api.anthropic.com"
	case backend.ProtocolOpenAI:
		return "https://api.openai.com"
	case backend.ProtocolOllama:
		return "http://127.0.0.1:11434"
	}
	return ""
}

// descriptor maps a backend stanza onto a registry descriptor,
// without credential material.
func (b *BackendConfig) descriptor(name string) backend.Descriptor {
	protocol := backend.Protocol(b.Protocol)
	baseURL := b.BaseURL
	if baseURL == "" {
		baseURL = wellKnownBaseURL(protocol)
	}
	return backend.Descriptor{
		Name:         name,
		Protocol:     protocol,
		BaseURL:      baseURL,
		DefaultModel: b.DefaultModel,
		Aliases:      b.Aliases,
		Models:       b.Models,
		Fallbacks:    b.Fallbacks,
		Subagents:    b.Subagents,
		NumCtx:       b.NumCtx,
		Temperature:  b.Temperature,
		Options:      b.Options,
		ModelOptions: b.ModelOptions,
		Capabilities: backend.Capabilities{
			Tools:     b.Capabilities.Tools,
			Vision:    b.Capabilities.Vision,
			Reasoning: b.Capabilities.Reasoning,
		},
	}
}

// credential resolves the configured credential source into locked
// memory. Nil when the backend has none.
func (b *BackendConfig) credential() (*secret.Buffer, error) {
	switch {
	case b.APIKey != "":
		return secret.NewFromBytes([]byte(b.APIKey))
	case b.APIKeyFile != "":
		return secret.ReadFromPath(b.APIKeyFile)
	case b.APIKeySealed != "":
		identity, err := sealed.LoadIdentity(b.Identity)
		if err != nil {
			return nil, fmt.Errorf("loading identity: %w", err)
		}
		defer identity.Close()

		ciphertext, err := os.ReadFile(b.APIKeySealed)
		if err != nil {
			return nil, fmt.Errorf("reading sealed credential: %w", err)
		}
		plaintext, err := sealed.Decrypt(string(ciphertext), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", b.APIKeySealed, err)
		}
		return plaintext, nil
	}
	return nil, nil
}
