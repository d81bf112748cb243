// Package config holds the settings used to assemble an emulated CPU, its
// guest memory and its code cache.
package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"

	"github.com/sarchlab/jitcore/arch"
	"github.com/sarchlab/jitcore/jit"
	"github.com/sarchlab/jitcore/vm"
)

// Config holds the machine settings.
type Config struct {
	// Arch is the name of a built-in architecture. Default: "ppc32".
	Arch string `json:"arch"`

	// ByteOrder of guest memory, "little" or "big". Empty means the
	// architecture's own byte order.
	ByteOrder string `json:"byte_order"`

	// PageSize of guest memory in bytes. Default: 4096.
	PageSize uint64 `json:"page_size"`

	// CodeLineSize is the line size of the code cache directory.
	// Default: 64 bytes.
	CodeLineSize int `json:"code_line_size"`

	// CodeSets is the number of sets of the code cache directory.
	// Default: 256.
	CodeSets int `json:"code_sets"`

	// CodeWays is the associativity of the code cache directory.
	// Default: 8.
	CodeWays int `json:"code_ways"`

	// Debug enables debug logging.
	Debug bool `json:"debug"`

	// Quiet limits logging to errors.
	Quiet bool `json:"quiet"`
}

// Environment variables read by ApplyEnv.
const (
	EnvArch      = "JITCORE_ARCH"
	EnvByteOrder = "JITCORE_BYTE_ORDER"
	EnvDebug     = "JITCORE_DEBUG"
	EnvQuiet     = "JITCORE_QUIET"
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	cc := jit.DefaultConfig()
	return &Config{
		Arch:         "ppc32",
		PageSize:     vm.DefaultPageSize,
		CodeLineSize: cc.LineSize,
		CodeSets:     cc.Sets,
		CodeWays:     cc.Ways,
	}
}

// LoadConfig loads a Config from a JSON file. Fields missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from JITCORE_* environment variables.
func (c *Config) ApplyEnv() {
	c.Arch = env.Str(EnvArch, c.Arch)
	c.ByteOrder = env.Str(EnvByteOrder, c.ByteOrder)
	if env.Bool(EnvDebug) {
		c.Debug = true
	}
	if env.Bool(EnvQuiet) {
		c.Quiet = true
	}
}

// Validate checks that the configuration can build a machine.
func (c *Config) Validate() error {
	if _, err := arch.Lookup(c.Arch); err != nil {
		return err
	}
	if c.ByteOrder != "" {
		if _, err := arch.ParseByteOrder(c.ByteOrder); err != nil {
			return err
		}
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size must be a power of two")
	}
	if err := c.CodeCache().Validate(); err != nil {
		return fmt.Errorf("code cache: %w", err)
	}
	if c.Debug && c.Quiet {
		return fmt.Errorf("debug and quiet are mutually exclusive")
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// CodeCache returns the code cache directory configuration.
func (c *Config) CodeCache() jit.Config {
	return jit.Config{
		LineSize: c.CodeLineSize,
		Sets:     c.CodeSets,
		Ways:     c.CodeWays,
	}
}

// ResolveArch returns the configured architecture and the byte order to
// use for its guest memory.
func (c *Config) ResolveArch() (*arch.Arch, binary.ByteOrder, error) {
	a, err := arch.Lookup(c.Arch)
	if err != nil {
		return nil, nil, err
	}

	if c.ByteOrder == "" {
		return a, a.ByteOrder, nil
	}

	order, err := arch.ParseByteOrder(c.ByteOrder)
	if err != nil {
		return nil, nil, err
	}
	return a, order, nil
}
