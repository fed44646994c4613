// Package runcfg holds the JSON/YAML-loadable configuration surface for
// the out-of-order runahead core.
package runcfg

import (
	"encoding/json"
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"

	"github.com/sarchlab/m2sim/timing/physregs"
)

// ExitPolicy selects how the commit stage decides to leave runahead once
// the triggering load's real response arrives.
type ExitPolicy int

const (
	// Eager exits as soon as the LLL's response is known.
	Eager ExitPolicy = iota
	// MinimumWork defers exit until at least MinRunaheadWork instructions
	// have pseudoretired since entry.
	MinimumWork
	// DynamicDelayed is a reserved, unimplemented policy. Validate accepts
	// it; the commit stage panics when a runahead exit is signaled under
	// it. The original CPU this core is modeled on never implemented it
	// either.
	DynamicDelayed
)

func (p ExitPolicy) String() string {
	switch p {
	case Eager:
		return "eager"
	case MinimumWork:
		return "minimum_work"
	case DynamicDelayed:
		return "dynamic_delayed"
	default:
		return "unknown"
	}
}

// Config holds every CPU-level runahead/timing option.
type Config struct {
	EnableRunahead             bool   `json:"enable_runahead" yaml:"enable_runahead"`
	LLLDepthThreshold          int    `json:"lll_depth_threshold" yaml:"lll_depth_threshold"`
	RunaheadInFlightThreshold  uint64 `json:"runahead_in_flight_threshold" yaml:"runahead_in_flight_threshold"`
	AllowOverlappingRunahead   bool   `json:"allow_overlapping_runahead" yaml:"allow_overlapping_runahead"`
	RunaheadExitPolicy         ExitPolicy `json:"runahead_exit_policy" yaml:"runahead_exit_policy"`
	MinRunaheadWork            uint64 `json:"min_runahead_work" yaml:"min_runahead_work"`
	RunaheadExitDeadline       uint64 `json:"runahead_exit_deadline" yaml:"runahead_exit_deadline"`

	RunaheadCacheSize      int `json:"runahead_cache_size" yaml:"runahead_cache_size"`
	RunaheadCacheBlockSize int `json:"runahead_cache_block_size" yaml:"runahead_cache_block_size"`

	CommitWidth  int `json:"commit_width" yaml:"commit_width"`
	RenameWidth  int `json:"rename_width" yaml:"rename_width"`
	SquashWidth  int `json:"squash_width" yaml:"squash_width"`

	IEWToCommitDelay   int `json:"iew_to_commit_delay" yaml:"iew_to_commit_delay"`
	CommitToIEWDelay   int `json:"commit_to_iew_delay" yaml:"commit_to_iew_delay"`
	RenameToROBDelay   int `json:"rename_to_rob_delay" yaml:"rename_to_rob_delay"`
	CommitToFetchDelay int `json:"commit_to_fetch_delay" yaml:"commit_to_fetch_delay"`

	TrapLatency         uint64 `json:"trap_latency" yaml:"trap_latency"`
	SyscallRetryLatency uint64 `json:"syscall_retry_latency" yaml:"syscall_retry_latency"`

	NeedsTSO bool `json:"needs_tso" yaml:"needs_tso"`

	ROBCapacity     int `json:"rob_capacity" yaml:"rob_capacity"`
	LSQLoadCapacity int `json:"lsq_load_capacity" yaml:"lsq_load_capacity"`
	LSQStoreCapacity int `json:"lsq_store_capacity" yaml:"lsq_store_capacity"`

	PhysRegCounts [physregs.NumRegClasses]int `json:"phys_reg_counts" yaml:"phys_reg_counts"`
}

const maxCommitWidth = 8

// DefaultConfig returns a Config with conservative, commonly used
// defaults.
func DefaultConfig() *Config {
	var counts [physregs.NumRegClasses]int
	counts[physregs.IntRegClass] = 96
	counts[physregs.FloatRegClass] = 64
	counts[physregs.VecRegClass] = 64
	counts[physregs.VecPredRegClass] = 16
	counts[physregs.CCRegClass] = 8

	return &Config{
		EnableRunahead:            true,
		LLLDepthThreshold:         3, // L2 miss and beyond is "long latency"
		RunaheadInFlightThreshold: 500,
		AllowOverlappingRunahead:  false,
		RunaheadExitPolicy:        Eager,
		MinRunaheadWork:           1,
		RunaheadExitDeadline:      2000,

		RunaheadCacheSize:      4 * 1024,
		RunaheadCacheBlockSize: 64,

		CommitWidth: 4,
		RenameWidth: 4,
		SquashWidth: 4,

		IEWToCommitDelay:   1,
		CommitToIEWDelay:   1,
		RenameToROBDelay:   1,
		CommitToFetchDelay: 1,

		TrapLatency:         10,
		SyscallRetryLatency: 1,

		NeedsTSO: false,

		ROBCapacity:      192,
		LSQLoadCapacity:  32,
		LSQStoreCapacity: 32,

		PhysRegCounts: counts,
	}
}

// LoadConfig reads a Config from a JSON file, starting from defaults so
// an incomplete file only overrides the fields it sets.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runahead config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runahead config: %w", err)
	}
	return cfg, nil
}

// LoadYAML reads a Config from a YAML file, starting from defaults.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runahead config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runahead config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize runahead config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write runahead config file: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot drive a sensible pipeline.
func (c *Config) Validate() error {
	if c.CommitWidth <= 0 {
		return fmt.Errorf("commit_width must be > 0")
	}
	if c.CommitWidth > maxCommitWidth {
		return fmt.Errorf("commit_width must be <= %d", maxCommitWidth)
	}
	if c.RenameWidth <= 0 {
		return fmt.Errorf("rename_width must be > 0")
	}
	if c.SquashWidth <= 0 {
		return fmt.Errorf("squash_width must be > 0")
	}
	if c.RunaheadExitPolicy == MinimumWork && c.MinRunaheadWork == 0 {
		return fmt.Errorf("min_runahead_work must be > 0 when runahead_exit_policy is minimum_work")
	}
	if c.EnableRunahead && (c.RunaheadCacheSize <= 0 || c.RunaheadCacheBlockSize <= 0) {
		return fmt.Errorf("runahead_cache_size and runahead_cache_block_size must be > 0")
	}
	if c.ROBCapacity <= 0 {
		return fmt.Errorf("rob_capacity must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
