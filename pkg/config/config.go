// Package config handles tci.toml machine and driver configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"tci/pkg/constants"
	"tci/pkg/softmmu"
	"tci/pkg/types"
)

// Config is the contents of a tci.toml file.
type Config struct {
	Machine Machine `toml:"machine"`
	Codegen Codegen `toml:"codegen"`
	Trace   Trace   `toml:"trace"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Machine describes the emulated host and its guest memory.
type Machine struct {
	Bits     int    `toml:"bits"`
	Align    string `toml:"align"`
	TLBSize  int    `toml:"tlb_size"`
	RAMSize  uint64 `toml:"ram_size"`
	MMUModes int    `toml:"mmu_modes"`
	// MaxSteps bounds one run; 0 means unbounded.
	MaxSteps uint64 `toml:"max_steps"`
}

type Codegen struct {
	BufferWords int `toml:"buffer_words"`
	MaxRetries  int `toml:"max_retries"`
}

type Trace struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Machine: Machine{
			Bits:     64,
			Align:    softmmu.AlignRelaxed.String(),
			TLBSize:  constants.DefaultTLBSize,
			RAMSize:  constants.DefaultRAMSize,
			MMUModes: constants.NumMMUModes,
		},
		Codegen: Codegen{
			BufferWords: constants.DefaultBufferWords,
			MaxRetries:  constants.DefaultMaxRetries,
		},
		Trace: Trace{
			DBPath: "tci-trace.db",
		},
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	c.Path = path
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := c.Width(); err != nil {
		return err
	}
	if _, err := softmmu.ParseAlignPolicy(c.Machine.Align); err != nil {
		return err
	}
	if n := c.Machine.TLBSize; n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("machine.tlb_size must be a power of two, got %d", n)
	}
	if c.Machine.MMUModes < 1 || c.Machine.MMUModes > 16 {
		return fmt.Errorf("machine.mmu_modes must be between 1 and 16, got %d", c.Machine.MMUModes)
	}
	if c.Machine.RAMSize == 0 {
		return fmt.Errorf("machine.ram_size must be nonzero")
	}
	if c.Codegen.BufferWords < 2 || c.Codegen.BufferWords > constants.MaxBufferWords {
		return fmt.Errorf("codegen.buffer_words must be between 2 and %d, got %d", constants.MaxBufferWords, c.Codegen.BufferWords)
	}
	if c.Codegen.MaxRetries < 0 {
		return fmt.Errorf("codegen.max_retries must not be negative")
	}
	if c.Trace.Enabled && c.Trace.DBPath == "" {
		return fmt.Errorf("trace.db_path is required when tracing is enabled")
	}
	return nil
}

func (c *Config) Width() (types.Width, error) {
	return types.NewWidth(c.Machine.Bits)
}

// MMU returns the software MMU settings. Call Validate first.
func (c *Config) MMU() softmmu.Config {
	align, _ := softmmu.ParseAlignPolicy(c.Machine.Align)
	return softmmu.Config{
		TLBSize:  c.Machine.TLBSize,
		NumModes: c.Machine.MMUModes,
		Align:    align,
	}
}
