package nanoqlora

import (
	"nano-qlora-go/model"
	"nano-qlora-go/nf4"
)

// Config gathers everything the training engine needs. Built through
// functional options and validated at construction.
type Config struct {
	Model      model.Config
	LoRA       model.LoRAConfig
	Optimizer  OptimizerConfig
	Data       DataConfig
	Checkpoint model.CheckpointPolicy
	Schedule   CosineWarmup

	BlockSize   int
	DoubleQuant bool

	AccumSteps       int // micro-batches per optimizer step
	LogEveryN        int
	CheckpointEveryN int
	Seed             int64
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with defaults and applies the options. Invalid
// configurations panic, matching construction-time validation elsewhere in
// the engine.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		Model: model.Config{
			VocabSize: 32000,
			DModel:    768,
			NumLayers: 24,
			SSM: model.SSMConfig{
				ExpandFactor: 2,
				DState:       16,
				DConv:        4,
				DtRank:       48,
			},
			MoE: model.MoEConfig{
				NumExperts:     8,
				TopK:           2,
				DFF:            2048,
				CapacityFactor: 1.25,
				AuxLossWeight:  0.01,
			},
		},
		LoRA: model.LoRAConfig{
			Rank:          8,
			Alpha:         16,
			TargetModules: []model.TargetModule{model.TargetStateOutProj, model.TargetMoERouter},
		},
		Optimizer: DefaultOptimizerConfig(),
		Data: DataConfig{
			BatchSize: 1,
			SeqLength: 512,
			VocabSize: 32000,
			Shuffle:   true,
		},
		Checkpoint: model.CheckpointPolicy{SaveEveryN: 4, Recompute: false},
		Schedule: CosineWarmup{
			BaseLR:      1e-4,
			MinLR:       1e-6,
			WarmupSteps: 100,
			TotalSteps:  10000,
		},
		BlockSize:        nf4.DefaultBlockSize,
		DoubleQuant:      true,
		AccumSteps:       1,
		LogEveryN:        10,
		CheckpointEveryN: 500,
		Seed:             42,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

func (c *Config) validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.LoRA.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	return nil
}

// WithModel replaces the model configuration.
func WithModel(m model.Config) ConfigOption {
	return func(c *Config) { c.Model = m }
}

// WithLoRA replaces the adapter configuration.
func WithLoRA(l model.LoRAConfig) ConfigOption {
	return func(c *Config) { c.LoRA = l }
}

// WithOptimizer replaces the optimizer configuration.
func WithOptimizer(o OptimizerConfig) ConfigOption {
	return func(c *Config) { c.Optimizer = o }
}

// WithData replaces the data configuration.
func WithData(d DataConfig) ConfigOption {
	return func(c *Config) { c.Data = d }
}

// WithCheckpointPolicy sets the activation checkpointing policy.
func WithCheckpointPolicy(p model.CheckpointPolicy) ConfigOption {
	return func(c *Config) { c.Checkpoint = p }
}

// WithSchedule replaces the learning-rate schedule parameters.
func WithSchedule(s CosineWarmup) ConfigOption {
	return func(c *Config) { c.Schedule = s }
}

// WithQuantization sets the codec block size and double-quant flag.
func WithQuantization(blockSize int, doubleQuant bool) ConfigOption {
	return func(c *Config) {
		c.BlockSize = blockSize
		c.DoubleQuant = doubleQuant
	}
}

// WithAccumSteps sets the gradient accumulation factor.
func WithAccumSteps(n int) ConfigOption {
	return func(c *Config) { c.AccumSteps = n }
}

// WithLogEveryN sets the metric emission period in steps.
func WithLogEveryN(n int) ConfigOption {
	return func(c *Config) { c.LogEveryN = n }
}

// WithCheckpointEveryN sets the checkpoint period in steps.
func WithCheckpointEveryN(n int) ConfigOption {
	return func(c *Config) { c.CheckpointEveryN = n }
}

// WithSeed sets the seed for weight init, adapters, and data shuffling.
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) { c.Seed = seed }
}
