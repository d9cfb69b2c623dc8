// Package config loads the campaign matrix from a captainrc file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "./captainrc"

// Config holds the campaign matrix and scheduling settings.
type Config struct {
	// Workdir is the root of the shared filesystem layout.
	Workdir string `yaml:"workdir"`

	// Repeat is the number of passes over the fuzzer x target matrix.
	Repeat int `yaml:"repeat"`

	// Timeout bounds a single campaign.
	Timeout Duration `yaml:"timeout"`

	// Cores is the CPU id pool. Empty means every logical CPU.
	Cores []int `yaml:"cores,omitempty"`

	Fuzzers []FuzzerConfig `yaml:"fuzzers"`

	// Ledger is the campaign history database, relative to Workdir.
	Ledger string `yaml:"ledger,omitempty"`
}

// FuzzerConfig describes one fuzzer and its targets.
type FuzzerConfig struct {
	Name string `yaml:"name"`

	// Image defaults to captain-<name>.
	Image string `yaml:"image,omitempty"`

	// Context is the docker build context. Empty skips the build step and
	// assumes the image already exists.
	Context string `yaml:"context,omitempty"`

	// Workers is the number of cores each campaign is pinned to.
	Workers int `yaml:"workers,omitempty"`

	// Args are the default fuzzer arguments for every target.
	Args string `yaml:"args,omitempty"`

	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig is one benchmark target of a fuzzer.
type TargetConfig struct {
	Name string `yaml:"name"`

	// Args overrides FuzzerConfig.Args when set.
	Args string `yaml:"args,omitempty"`
}

// Duration is a time.Duration that reads and writes as "24h".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return parsed, nil
}

// DefaultConfig returns the defaults applied before the file is read.
func DefaultConfig() *Config {
	return &Config{
		Repeat:  1,
		Timeout: Duration(24 * time.Hour),
		Ledger:  "captain.db",
	}
}

// Load reads path, applies environment overrides and validates the result.
// Validation failures are returned as *ConfigurationError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Problems: []string{err.Error()}}
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Path: path, Problems: []string{fmt.Sprintf("parse: %v", err)}}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if len(cfg.Cores) == 0 {
		cfg.Cores = HostCores()
	}
	if err := cfg.Validate(); err != nil {
		if ce, ok := err.(*ConfigurationError); ok {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets CAPTAIN_* variables override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAPTAIN_WORKDIR"); v != "" {
		c.Workdir = v
	}
	if v := os.Getenv("CAPTAIN_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil {
			c.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("CAPTAIN_REPEAT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Repeat = n
		}
	}
}

func (c *Config) applyDefaults() {
	for i := range c.Fuzzers {
		f := &c.Fuzzers[i]
		if f.Workers == 0 {
			f.Workers = 1
		}
		if f.Image == "" && f.Name != "" {
			f.Image = "captain-" + f.Name
		}
	}
}

// HostCores returns ids for every logical CPU on the host.
func HostCores() []int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = 1
	}
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return cores
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Workdir == "" {
		problems = append(problems, "workdir is required")
	}
	if c.Repeat <= 0 {
		problems = append(problems, "repeat must be > 0")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be > 0")
	}
	if len(c.Fuzzers) == 0 {
		problems = append(problems, "at least one fuzzer is required")
	}
	seen := map[string]bool{}
	for i, f := range c.Fuzzers {
		if f.Name == "" {
			problems = append(problems, fmt.Sprintf("fuzzers[%d].name is required", i))
			continue
		}
		if seen[f.Name] {
			problems = append(problems, fmt.Sprintf("fuzzer %s is defined twice", f.Name))
		}
		seen[f.Name] = true
		if len(f.Targets) == 0 {
			problems = append(problems, fmt.Sprintf("fuzzer %s has no targets", f.Name))
		}
		for j, t := range f.Targets {
			if t.Name == "" {
				problems = append(problems, fmt.Sprintf("fuzzer %s targets[%d].name is required", f.Name, j))
			}
		}
		if f.Workers < 0 {
			problems = append(problems, fmt.Sprintf("fuzzer %s workers must be > 0", f.Name))
		}
		if len(c.Cores) > 0 && f.Workers > len(c.Cores) {
			problems = append(problems, fmt.Sprintf("fuzzer %s needs %d workers but the pool has %d cores", f.Name, f.Workers, len(c.Cores)))
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Fuzzer returns the named fuzzer configuration.
func (c *Config) Fuzzer(name string) (FuzzerConfig, bool) {
	for _, f := range c.Fuzzers {
		if f.Name == name {
			return f, true
		}
	}
	return FuzzerConfig{}, false
}

// FuzzerNames returns fuzzer names in file order.
func (c *Config) FuzzerNames() []string {
	names := make([]string, len(c.Fuzzers))
	for i, f := range c.Fuzzers {
		names[i] = f.Name
	}
	return names
}

// Targets returns the target names of fuzzer.
func (c *Config) Targets(fuzzer string) []string {
	f, ok := c.Fuzzer(fuzzer)
	if !ok {
		return nil
	}
	names := make([]string, len(f.Targets))
	for i, t := range f.Targets {
		names[i] = t.Name
	}
	return names
}

// Args returns the fuzzer arguments for a target.
func (c *Config) Args(fuzzer, target string) string {
	f, ok := c.Fuzzer(fuzzer)
	if !ok {
		return ""
	}
	for _, t := range f.Targets {
		if t.Name == target && t.Args != "" {
			return t.Args
		}
	}
	return f.Args
}

// WorkerCount returns the number of cores a campaign of fuzzer needs.
func (c *Config) WorkerCount(fuzzer string) int {
	f, ok := c.Fuzzer(fuzzer)
	if !ok || f.Workers <= 0 {
		return 1
	}
	return f.Workers
}

// LedgerPath resolves the ledger location.
func (c *Config) LedgerPath() string {
	if c.Ledger == "" || filepath.IsAbs(c.Ledger) {
		return c.Ledger
	}
	return filepath.Join(c.Workdir, c.Ledger)
}
