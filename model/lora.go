package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"nano-qlora-go/tensor"
)

// TargetModule identifies a point in the model graph a LoRA adapter can attach
// to. The set is closed; Validate rejects anything else.
type TargetModule string

const (
	TargetStateInProj  TargetModule = "state-in-proj"
	TargetStateXProj   TargetModule = "state-x-proj"
	TargetStateOutProj TargetModule = "state-out-proj"
	TargetMoERouter    TargetModule = "moe-router"
	TargetMoEExperts   TargetModule = "moe-experts"
	TargetAttentionQ   TargetModule = "attention-q"
	TargetAttentionK   TargetModule = "attention-k"
	TargetAttentionV   TargetModule = "attention-v"
	TargetAttentionOut TargetModule = "attention-out"
)

var knownTargets = map[TargetModule]bool{
	TargetStateInProj: true, TargetStateXProj: true, TargetStateOutProj: true,
	TargetMoERouter: true, TargetMoEExperts: true,
	TargetAttentionQ: true, TargetAttentionK: true, TargetAttentionV: true, TargetAttentionOut: true,
}

// LoRAConfig configures the low-rank adapters.
type LoRAConfig struct {
	Rank          int
	Alpha         float32
	Dropout       float32
	TargetModules []TargetModule
}

// Scaling returns alpha / rank.
func (c LoRAConfig) Scaling() float32 {
	return c.Alpha / float32(c.Rank)
}

// Validate checks rank, alpha and the target set.
func (c LoRAConfig) Validate() error {
	if c.Rank <= 0 {
		return fmt.Errorf("lora rank must be positive, got %d", c.Rank)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("lora alpha must be positive, got %f", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora dropout must be in [0,1), got %f", c.Dropout)
	}
	for _, t := range c.TargetModules {
		if !knownTargets[t] {
			return fmt.Errorf("unknown lora target module %q", t)
		}
	}
	return nil
}

func (c LoRAConfig) targets(t TargetModule) bool {
	for _, m := range c.TargetModules {
		if m == t {
			return true
		}
	}
	return false
}

// Adapter is one trainable low-rank pair on a frozen weight. A is drawn from a
// scaled normal, B starts at zero so the initial adapter output is zero and
// training departs from the frozen base exactly.
type Adapter struct {
	Name    string
	A       *tensor.Tensor // [in, r]
	B       *tensor.Tensor // [r, out]
	Scaling float32
	Dropout float32
}

// NewAdapter allocates an adapter for a target with the given dimensions.
func NewAdapter(name string, inDim, outDim int, cfg LoRAConfig, rng *rand.Rand) *Adapter {
	std := float32(1.0 / math.Sqrt(float64(inDim)))
	return &Adapter{
		Name:    name,
		A:       tensor.Randn(rng, std, inDim, cfg.Rank),
		B:       tensor.Zeros(cfg.Rank, outDim),
		Scaling: cfg.Scaling(),
		Dropout: cfg.Dropout,
	}
}

// ParamCount returns (in + out) * r.
func (a *Adapter) ParamCount() int {
	return a.A.Size() + a.B.Size()
}

// Apply adds sigma * (x*A)*B into out. x is [N, in], out is [N, out]. With
// dropout enabled and a training rng, inverted dropout masks x first.
func (a *Adapter) Apply(x, out *tensor.Tensor, rng *rand.Rand) {
	in := x
	if a.Dropout > 0 && rng != nil {
		in = x.Clone()
		keep := 1 - a.Dropout
		inv := 1 / keep
		for i := range in.Data {
			if rng.Float32() < a.Dropout {
				in.Data[i] = 0
			} else {
				in.Data[i] *= inv
			}
		}
	}

	low := tensor.MatMul(in, a.A)
	delta := tensor.MatMul(low, a.B)
	for i := range out.Data {
		out.Data[i] += a.Scaling * delta.Data[i]
	}
}

// AdapterSet holds the attached adapters keyed by name. The training rng is
// only consulted when dropout is enabled.
type AdapterSet struct {
	Config   LoRAConfig
	byName   map[string]*Adapter
	Training bool
	rng      *rand.Rand
}

// NewAdapterSet creates an empty set.
func NewAdapterSet(cfg LoRAConfig) *AdapterSet {
	return &AdapterSet{
		Config: cfg,
		byName: make(map[string]*Adapter),
	}
}

// SetTrainingRNG enables dropout sampling during training.
func (s *AdapterSet) SetTrainingRNG(rng *rand.Rand) {
	s.rng = rng
}

// Add registers an adapter under its name.
func (s *AdapterSet) Add(a *Adapter) {
	s.byName[a.Name] = a
}

// Get looks up an adapter by name.
func (s *AdapterSet) Get(name string) (*Adapter, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// Names returns the adapter names in ascending order.
func (s *AdapterSet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of attached adapters.
func (s *AdapterSet) Len() int {
	return len(s.byName)
}

// apply is the forward hook: if an adapter is attached under name, add its
// contribution into out.
func (s *AdapterSet) apply(name string, x, out *tensor.Tensor) {
	if s == nil {
		return
	}
	a, ok := s.byName[name]
	if !ok {
		return
	}
	var rng *rand.Rand
	if s.Training {
		rng = s.rng
	}
	a.Apply(x, out, rng)
}

// AttachAdapters builds the adapter set for a model from the configured target
// modules. Adapter names follow the layer graph: "layer{i}.out-proj",
// "layer{i}.in-proj", "layer{i}.x-proj" on state-space layers and
// "layer{i}.router" on MoE layers.
func AttachAdapters(m *Model, cfg LoRAConfig, rng *rand.Rand) (*AdapterSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set := NewAdapterSet(cfg)
	d := m.Config.DModel
	dInner := m.Config.DInner()

	for i := 0; i < m.Config.NumLayers; i++ {
		switch KindAt(i) {
		case KindStateSpace:
			if cfg.targets(TargetStateOutProj) {
				set.Add(NewAdapter(fmt.Sprintf("layer%d.out-proj", i), dInner, d, cfg, rng))
			}
			if cfg.targets(TargetStateInProj) {
				set.Add(NewAdapter(fmt.Sprintf("layer%d.in-proj", i), d, 2*dInner, cfg, rng))
			}
			if cfg.targets(TargetStateXProj) {
				set.Add(NewAdapter(fmt.Sprintf("layer%d.x-proj", i), dInner, m.Config.SSM.DtRank+2*m.Config.SSM.DState, cfg, rng))
			}
		case KindMoE:
			if cfg.targets(TargetMoERouter) {
				set.Add(NewAdapter(fmt.Sprintf("layer%d.router", i), d, m.Config.MoE.NumExperts, cfg, rng))
			}
		}
	}

	return set, nil
}
