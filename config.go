package gpudrv

import (
	"os"
	"strconv"
)

// Config holds process-wide tunables read once at Backend.initialize, ad
// hoc env-var parsing in the same style as the teacher's
// `os.Getenv("UBLK_DEVINFO_LEN")` + `strconv.Atoi` handling in
// internal/ctrl/control.go: single-purpose overrides read directly, no
// config-file or flag library pulled in for two variables.
type Config struct {
	// JITFlags is passed opaquely to Module compilation (CompileModule's
	// jitFlags argument) unless a caller overrides it per-module.
	JITFlags string

	// ImmediateCommandLists, when LoadConfig parsed GPUDRV_IMMEDIATE_CMDLISTS,
	// fixes whether every new Queue uses an immediate command list (true)
	// or regular command lists (false), regardless of what the native
	// driver reports via DeviceProperties.SupportsImmediateLists. Setting
	// this field directly, outside LoadConfig, has no effect.
	ImmediateCommandLists bool
	immediateSet          bool

	// DefaultQueueSync resolves the source's dead-coded syncQueues path
	// (spec §9 open question) as a compile-time toggle, default off: when
	// set, the default queue waits on every blocking queue's LastEvent and
	// vice versa. Set via Options.Config, not an environment variable —
	// this one is a build-time decision, not a runtime knob.
	DefaultQueueSync bool
}

// LoadConfig reads GPUDRV_JIT_FLAGS and GPUDRV_IMMEDIATE_CMDLISTS from the
// environment.
func LoadConfig() Config {
	var cfg Config
	cfg.JITFlags = os.Getenv("GPUDRV_JIT_FLAGS")
	if v := os.Getenv("GPUDRV_IMMEDIATE_CMDLISTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ImmediateCommandLists = b
			cfg.immediateSet = true
		}
	}
	return cfg
}

// ImmediateCommandListsOverridden reports whether GPUDRV_IMMEDIATE_CMDLISTS
// was set (and parsed) in the environment, distinguishing "unset" from
// "explicitly set to false".
func (c Config) ImmediateCommandListsOverridden() bool { return c.immediateSet }
