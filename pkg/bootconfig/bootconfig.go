// Package bootconfig parses the TOML boot manifest that tells
// cmd/pastoralctl what to boot: the initial binary, its argv/envp, the
// simulated core count, and the scheduler tick interval. It optionally
// merges an OCI runtime-spec Process fragment over the manifest's
// command line, letting a one-off invocation override a manifest's
// binary/argv/envp without editing the file.
package bootconfig

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Config is the root of a boot manifest.
//
//	[boot]
//	binary = "/sbin/init"
//	argv = ["init"]
//	envp = ["PATH=/sbin:/bin", "TERM=xterm"]
//	cores = 4
//	tick = "10ms"
type Config struct {
	Boot BootSection `toml:"boot"`
}

// BootSection describes the first task and the simulated machine it
// runs on.
type BootSection struct {
	Binary string   `toml:"binary"`
	Argv   []string `toml:"argv"`
	Envp   []string `toml:"envp"`
	Cores  int      `toml:"cores"`
	Tick   string   `toml:"tick"`
}

// defaultCores and defaultTick are applied when the manifest omits them,
// so every field carries a usable default.
const (
	defaultCores = 1
	defaultTick  = "10ms"
)

// Load parses the TOML manifest at path and fills in defaults for any
// field the manifest omits.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("bootconfig: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if cfg.Boot.Binary == "" {
		return nil, fmt.Errorf("bootconfig: %s: [boot].binary is required", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Boot.Cores <= 0 {
		c.Boot.Cores = defaultCores
	}
	if c.Boot.Tick == "" {
		c.Boot.Tick = defaultTick
	}
}

// TickInterval parses the manifest's tick duration string.
func (c *Config) TickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Boot.Tick)
	if err != nil {
		return 0, fmt.Errorf("bootconfig: bad tick duration %q: %w", c.Boot.Tick, err)
	}
	return d, nil
}

// MergeOCIProcess overlays an OCI runtime-spec Process fragment's
// Args/Env onto the manifest. A nil process leaves the manifest
// untouched.
func (c *Config) MergeOCIProcess(p *specs.Process) {
	if p == nil {
		return
	}
	if len(p.Args) > 0 {
		c.Boot.Binary = p.Args[0]
		c.Boot.Argv = p.Args
	}
	if len(p.Env) > 0 {
		c.Boot.Envp = p.Env
	}
}
