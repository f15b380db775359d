package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// DefaultCacheDir is the directory holding extracted gadgets.
const DefaultCacheDir = ".rop_cache"

// Config represents the settings of a chain generation.
type Config struct {
	Input         string `toml:"input"`          // target program
	Output        string `toml:"output"`         // payload file
	Binary        string `toml:"binary"`         // ELF binary to take gadgets from
	Padding       int    `toml:"padding"`        // bytes between buffer and return address
	Avoid         []int  `toml:"avoid"`          // bytes that must not appear in addresses
	AvoidFile     string `toml:"avoid_file"`     // file of "0x.." lines to avoid
	MaxIterations int    `toml:"max_iterations"` // zero means no limit
	Timeout       string `toml:"timeout"`        // duration, empty means no limit
	Seed          int64  `toml:"seed"`           // gadget shuffle seed, zero picks one
	CacheDir      string `toml:"cache_dir"`      // empty disables the cache
	Bits          int    `toml:"bits"`           // decoding mode, zero uses the ELF class
}

// NewConfig returns a configuration with default settings.
func NewConfig() Config {
	return Config{CacheDir: DefaultCacheDir}
}

// ReadConfigFile returns the configuration stored in a TOML file. Unset keys
// keep their default value.
func ReadConfigFile(path string) (Config, error) {
	config := NewConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := toml.Unmarshal(buf, &config); err != nil {
		return config, fmt.Errorf("%s: %w", path, err)
	}
	return config, config.Validate()
}

// Validate returns an error if any setting is out of range.
func (c *Config) Validate() error {
	if c.Padding < 0 {
		return fmt.Errorf("padding must not be negative: %d", c.Padding)
	} else if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations must not be negative: %d", c.MaxIterations)
	} else if c.Bits != 0 && c.Bits != 32 && c.Bits != 64 {
		return fmt.Errorf("bits must be 32 or 64: %d", c.Bits)
	}
	for _, b := range c.Avoid {
		if b < 0 || b > 0xFF {
			return fmt.Errorf("avoided byte out of range: %d", b)
		}
	}
	if _, err := c.ParseTimeout(); err != nil {
		return err
	}
	return nil
}

// ParseTimeout returns the search timeout. Zero means no limit.
func (c *Config) ParseTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	return d, nil
}

// AvoidBytes returns the bytes listed in Avoid and in AvoidFile.
func (c *Config) AvoidBytes() ([]byte, error) {
	avoid := make([]byte, 0, len(c.Avoid))
	for _, b := range c.Avoid {
		avoid = append(avoid, byte(b))
	}
	if c.AvoidFile == "" {
		return avoid, nil
	}

	buf, err := os.ReadFile(c.AvoidFile)
	if err != nil {
		return nil, err
	}
	other, err := ParseAvoid(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.AvoidFile, err)
	}
	return append(avoid, other...), nil
}

// ParseAvoid parses one byte per line in the form "0x..". Blank lines are skipped.
func ParseAvoid(data []byte) ([]byte, error) {
	var avoid []byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		} else if len(line) != 4 || !strings.HasPrefix(strings.ToLower(line), "0x") {
			return nil, fmt.Errorf("line %d: expected a byte in the form 0x..: %q", lineNo, line)
		}

		b, err := strconv.ParseUint(line[2:], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		avoid = append(avoid, byte(b))
	}
	return avoid, scanner.Err()
}
