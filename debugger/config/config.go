package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	. "github.com/pattyshack/rda/debugger/common"
	"github.com/pattyshack/rda/debugger/debugregs"
)

// Per-architecture hardware debug register slot counts.  Zero values fall
// back to the architectural default; real counts vary by cpu model and are
// normally read from the hardware descriptor at attach time, but may be
// pinned down here for cpus that misreport them.
type ArchConfig struct {
	HWBreakpointSlots int `yaml:"hw_breakpoint_slots"`
	WatchpointSlots   int `yaml:"watchpoint_slots"`
}

// Agent configuration.  All fields are optional.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Architectures map[string]ArchConfig `yaml:"architectures"`
}

// Parses and validates a yaml document.  Unknown fields are rejected.
func Parse(content []byte) (Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	config := Config{}
	err := decoder.Decode(&config)
	if err != nil && err != io.EOF {
		return Config{}, fmt.Errorf(
			"%w. failed to parse config: %s",
			ErrInvalidArgument,
			err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(content)
}

func (config Config) Validate() error {
	if config.LogLevel != "" {
		_, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			return fmt.Errorf(
				"%w. invalid log level (%s)",
				ErrInvalidArgument,
				config.LogLevel)
		}
	}

	for name, arch := range config.Architectures {
		// Reuse the allocator's count validation so config errors surface at
		// parse time rather than at first attach.
		counts := arch.withDefaults()
		_, err := debugregs.NewAllocator(
			debugregs.Arch(name),
			counts.HWBreakpointSlots,
			counts.WatchpointSlots)
		if err != nil {
			return fmt.Errorf("invalid config for architecture %s: %w", name, err)
		}
	}

	return nil
}

// The configured logrus level; info when unset.
func (config Config) Level() logrus.Level {
	if config.LogLevel == "" {
		return logrus.InfoLevel
	}

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		// Validate rejects unparsable levels.
		panic("should never happen")
	}

	return level
}

func (arch ArchConfig) withDefaults() ArchConfig {
	if arch.HWBreakpointSlots == 0 {
		arch.HWBreakpointSlots = debugregs.DefaultSlotCount
	}
	if arch.WatchpointSlots == 0 {
		arch.WatchpointSlots = debugregs.DefaultSlotCount
	}
	return arch
}

// The slot counts to use for the given architecture, falling back to the
// architectural default when unconfigured.
func (config Config) SlotCounts(
	arch debugregs.Arch,
) (
	hwBreakpointSlots int,
	watchpointSlots int,
) {
	counts := config.Architectures[string(arch)].withDefaults()
	return counts.HWBreakpointSlots, counts.WatchpointSlots
}

// Builds the per-process allocator for the given architecture using
// configured overrides.
func (config Config) NewAllocator(
	arch debugregs.Arch,
) (
	debugregs.Allocator,
	error,
) {
	hwBreakpointSlots, watchpointSlots := config.SlotCounts(arch)
	return debugregs.NewAllocator(arch, hwBreakpointSlots, watchpointSlots)
}
