package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNTask              = 4
	DefaultOverDecomposition  = 4
	DefaultTopNodeFactor      = 2.5
	DefaultTopNodeAllocFactor = 0.5
	DefaultPartAllocFactor    = 2.0
	DefaultTreeAllocFactor    = 0.7
	DefaultErrTolTheta        = 0.5
	DefaultErrTolForceAcc     = 0.005
	DefaultUpdateFrequency    = 0.1
	DefaultRepairRoundLimit   = 100
)

// LockStrategy selects how tree nodes are guarded during lazy drift.
type LockStrategy string

const (
	LockPerNode LockStrategy = "pernode"
	LockGlobal  LockStrategy = "global"
)

type Config struct {
	NTask      int     `yaml:"ntask"`
	NumThreads int     `yaml:"num_threads"`
	BoxSize    float64 `yaml:"box_size"`
	TimeBegin  float64 `yaml:"time_begin"`
	TimeEnd    float64 `yaml:"time_end"`
	Seed       uint64  `yaml:"seed"`

	Domain DomainConfig `yaml:"domain"`
	Tree   TreeConfig   `yaml:"tree"`
}

type DomainConfig struct {
	// OverDecomposition segments per rank before folding; more
	// segments smooth the balance at the price of more top leaves.
	OverDecomposition int `yaml:"over_decomposition"`

	// TopNodeFactor controls how fine the top-level tree refines
	// relative to a perfectly even split.
	TopNodeFactor float64 `yaml:"top_node_factor"`

	// TopNodeAllocFactor sizes the top-node arena as a fraction of
	// the particle capacity. Grown 1.3x on exhaustion.
	TopNodeAllocFactor float64 `yaml:"top_node_alloc_factor"`

	// PartAllocFactor sizes per-rank particle capacity as a
	// multiple of the even share; it bounds the tolerated memory
	// imbalance.
	PartAllocFactor float64 `yaml:"part_alloc_factor"`

	// RepairRoundLimit bounds the exchange repair negotiation;
	// exceeding it is fatal.
	RepairRoundLimit int `yaml:"repair_round_limit"`

	// ExchangeScratchBytes is the scratch budget one exchange
	// iteration may fill before deferring the rest to the next
	// iteration. Zero means unlimited.
	ExchangeScratchBytes int64 `yaml:"exchange_scratch_bytes"`

	// UpdateFrequency triggers a fresh decomposition once this
	// fraction of all particles has received a force update.
	UpdateFrequency float64 `yaml:"update_frequency"`
}

type TreeConfig struct {
	// AllocFactor sizes the node arena as a multiple of the local
	// particle count. Grown 1.15x on exhaustion.
	AllocFactor float64 `yaml:"alloc_factor"`

	// ErrTolTheta is the geometric opening angle used before a
	// particle has a previous acceleration; ErrTolForceAcc is the
	// relative-error criterion used afterwards.
	ErrTolTheta    float64 `yaml:"err_tol_theta"`
	ErrTolForceAcc float64 `yaml:"err_tol_force_acc"`

	// Softening per particle type; degenerate-position handling
	// kicks in below the smallest of these.
	Softening [6]float64 `yaml:"softening"`

	LockStrategy LockStrategy `yaml:"lock_strategy"`

	// NoTreeType is a bitmask of particle types excluded from the
	// force tree.
	NoTreeType uint8 `yaml:"no_tree_type"`
}

func DefaultConfig() *Config {
	return &Config{
		NTask:      DefaultNTask,
		NumThreads: 1,
		BoxSize:    1.0,
		TimeBegin:  0.0,
		TimeEnd:    1.0,
		Seed:       42,
		Domain: DomainConfig{
			OverDecomposition:  DefaultOverDecomposition,
			TopNodeFactor:      DefaultTopNodeFactor,
			TopNodeAllocFactor: DefaultTopNodeAllocFactor,
			PartAllocFactor:    DefaultPartAllocFactor,
			RepairRoundLimit:   DefaultRepairRoundLimit,
			UpdateFrequency:    DefaultUpdateFrequency,
		},
		Tree: TreeConfig{
			AllocFactor:    DefaultTreeAllocFactor,
			ErrTolTheta:    DefaultErrTolTheta,
			ErrTolForceAcc: DefaultErrTolForceAcc,
			Softening:      [6]float64{1e-4, 1e-4, 1e-4, 1e-4, 1e-4, 1e-4},
			LockStrategy:   LockPerNode,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.NTask < 1 {
		return fmt.Errorf("config: ntask %d < 1", c.NTask)
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("config: num_threads %d < 1", c.NumThreads)
	}
	if c.BoxSize <= 0 {
		return fmt.Errorf("config: box_size %g <= 0", c.BoxSize)
	}
	if c.TimeEnd <= c.TimeBegin {
		return fmt.Errorf("config: time_end %g <= time_begin %g", c.TimeEnd, c.TimeBegin)
	}
	if c.Domain.OverDecomposition < 1 {
		return fmt.Errorf("config: over_decomposition %d < 1", c.Domain.OverDecomposition)
	}
	// The segment fold halves the group count each round, so the
	// over-decomposition must be a power of two.
	if c.Domain.OverDecomposition&(c.Domain.OverDecomposition-1) != 0 {
		return fmt.Errorf("config: over_decomposition %d is not a power of two", c.Domain.OverDecomposition)
	}
	if c.Domain.TopNodeFactor <= 0 {
		return fmt.Errorf("config: top_node_factor %g <= 0", c.Domain.TopNodeFactor)
	}
	if c.Domain.PartAllocFactor < 1 {
		return fmt.Errorf("config: part_alloc_factor %g < 1", c.Domain.PartAllocFactor)
	}
	if c.Domain.RepairRoundLimit < 1 {
		return fmt.Errorf("config: repair_round_limit %d < 1", c.Domain.RepairRoundLimit)
	}
	if c.Tree.AllocFactor <= 0 {
		return fmt.Errorf("config: tree alloc_factor %g <= 0", c.Tree.AllocFactor)
	}
	if c.Tree.ErrTolTheta <= 0 {
		return fmt.Errorf("config: err_tol_theta %g <= 0", c.Tree.ErrTolTheta)
	}
	if c.Tree.ErrTolForceAcc <= 0 {
		return fmt.Errorf("config: err_tol_force_acc %g <= 0", c.Tree.ErrTolForceAcc)
	}
	switch c.Tree.LockStrategy {
	case LockPerNode, LockGlobal:
	default:
		return fmt.Errorf("config: unknown lock_strategy %q", c.Tree.LockStrategy)
	}
	return nil
}
