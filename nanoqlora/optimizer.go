package nanoqlora

import (
	"fmt"
	"math"
	"sort"

	"github.com/x448/float16"

	"nano-qlora-go/tensor"
)

// OptimizerConfig carries the AdamW tunables.
type OptimizerConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	MaxGradNorm  float64 // 0 disables clipping
	AMSGrad      bool
}

// DefaultOptimizerConfig returns the usual AdamW settings.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
	}
}

// KernelKind selects the optimizer arithmetic path.
type KernelKind int

const (
	// KernelF32 is the pure-host float32 path.
	KernelF32 KernelKind = iota
	// KernelF16Scalar rounds moment arithmetic through half precision one
	// element at a time.
	KernelF16Scalar
	// KernelF16Wide processes half-precision lanes in fixed-width chunks.
	KernelF16Wide
)

func (k KernelKind) String() string {
	switch k {
	case KernelF16Scalar:
		return "f16-scalar"
	case KernelF16Wide:
		return "f16-wide"
	}
	return "f32"
}

// f16Width is the lane count of the wide kernel.
const f16Width = 8

// selectKernel prefers the wide half-precision path for large aligned
// parameters and the scalar path otherwise. Callers that want full float32
// precision pass KernelF32 explicitly.
func selectKernel(count int) KernelKind {
	if count >= 1024 && count%f16Width == 0 {
		return KernelF16Wide
	}
	return KernelF16Scalar
}

// AdamW implements decoupled-weight-decay Adam with bias correction, optional
// AMSGrad, and optional global gradient-norm clipping. The optimizer owns its
// moment maps exclusively; state tensors register under optimizer_states.
type AdamW struct {
	Config   OptimizerConfig
	Schedule LRSchedule

	// LRScale is the engine's numerical-recovery multiplier on the scheduled
	// rate; it halves after a rolled-back step.
	LRScale float64

	m    map[string]*tensor.Tensor
	v    map[string]*tensor.Tensor
	vMax map[string]*tensor.Tensor
	step int

	acct   *tensor.Accountant
	kernel KernelKind
	auto   bool
}

// NewAdamW creates an optimizer with automatic kernel selection.
func NewAdamW(cfg OptimizerConfig, sched LRSchedule, acct *tensor.Accountant) *AdamW {
	return &AdamW{
		Config:   cfg,
		Schedule: sched,
		LRScale:  1,
		m:        make(map[string]*tensor.Tensor),
		v:        make(map[string]*tensor.Tensor),
		vMax:     make(map[string]*tensor.Tensor),
		acct:     acct,
		auto:     true,
	}
}

// SetKernel pins a specific arithmetic path, disabling auto selection.
func (o *AdamW) SetKernel(k KernelKind) {
	o.kernel = k
	o.auto = false
}

// StepCount returns the global step counter.
func (o *AdamW) StepCount() int {
	return o.step
}

// Step applies one AdamW update to every named parameter. Updates for a
// parameter commit atomically with respect to observers: on a non-finite
// result every parameter is restored to its pre-step value and ErrNumerical
// is returned, so no partial update is ever visible.
func (o *AdamW) Step(params, grads map[string]*tensor.Tensor) (float64, error) {
	o.step++
	lr := o.Schedule.Get(o.step) * o.LRScale

	names := make([]string, 0, len(params))
	for name := range params {
		if _, ok := grads[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if o.Config.MaxGradNorm > 0 {
		clipGlobalNorm(names, grads, o.Config.MaxGradNorm)
	}

	backup := make(map[string][]float32, len(names))
	for _, name := range names {
		p := params[name]
		saved := make([]float32, len(p.Data))
		copy(saved, p.Data)
		backup[name] = saved
	}

	t := float64(o.step)
	bc1 := 1 - math.Pow(o.Config.Beta1, t)
	bc2 := 1 - math.Pow(o.Config.Beta2, t)

	for _, name := range names {
		p := params[name]
		g := grads[name]
		if !tensor.SameShape(p, g) {
			for _, n := range names {
				copy(params[n].Data, backup[n])
			}
			return lr, fmt.Errorf("optimizer: parameter %q shape %v vs gradient %v", name, p.Shape, g.Shape)
		}

		m := o.state(o.m, name, p)
		v := o.state(o.v, name, p)
		var vMax *tensor.Tensor
		if o.Config.AMSGrad {
			vMax = o.state(o.vMax, name, p)
		}

		kernel := o.kernel
		if o.auto {
			kernel = selectKernel(p.Size())
		}

		switch kernel {
		case KernelF16Wide:
			o.updateF16(p, g, m, v, vMax, lr, bc1, bc2, f16Width)
		case KernelF16Scalar:
			o.updateF16(p, g, m, v, vMax, lr, bc1, bc2, 1)
		default:
			o.updateF32(p, g, m, v, vMax, lr, bc1, bc2)
		}
	}

	for _, name := range names {
		for _, val := range params[name].Data {
			if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
				for _, n := range names {
					copy(params[n].Data, backup[n])
				}
				return lr, fmt.Errorf("%w: parameter %q after step %d", ErrNumerical, name, o.step)
			}
		}
	}

	return lr, nil
}

func (o *AdamW) state(store map[string]*tensor.Tensor, name string, p *tensor.Tensor) *tensor.Tensor {
	s, ok := store[name]
	if !ok {
		s = tensor.NewTagged(o.acct, tensor.OptimizerStates, p.Shape...)
		store[name] = s
	}
	return s
}

// updateF32 is the full-precision reference update.
func (o *AdamW) updateF32(p, g, m, v, vMax *tensor.Tensor, lr, bc1, bc2 float64) {
	b1 := float32(o.Config.Beta1)
	b2 := float32(o.Config.Beta2)
	eps := float32(o.Config.Epsilon)
	decay := float32(o.Config.WeightDecay)
	rate := float32(lr)

	for i := range p.Data {
		gi := g.Data[i]
		m.Data[i] = b1*m.Data[i] + (1-b1)*gi
		v.Data[i] = b2*v.Data[i] + (1-b2)*gi*gi

		mHat := m.Data[i] / float32(bc1)
		vHat := v.Data[i] / float32(bc2)
		if vMax != nil {
			if v.Data[i] > vMax.Data[i] {
				vMax.Data[i] = v.Data[i]
			}
			if vMaxHat := vMax.Data[i] / float32(bc2); vMaxHat > vHat {
				vHat = vMaxHat
			}
		}

		p.Data[i] -= rate * (mHat/(float32(math.Sqrt(float64(vHat)))+eps) + decay*p.Data[i])
	}
}

// updateF16 runs the same algorithm with moments held in half precision,
// processed width lanes at a time. Width 1 is the scalar variant; wider
// widths keep the loop body branch-free for vectorization.
func (o *AdamW) updateF16(p, g, m, v, vMax *tensor.Tensor, lr, bc1, bc2 float64, width int) {
	b1 := float32(o.Config.Beta1)
	b2 := float32(o.Config.Beta2)
	eps := float32(o.Config.Epsilon)
	decay := float32(o.Config.WeightDecay)
	rate := float32(lr)

	n := len(p.Data)
	for base := 0; base < n; base += width {
		end := base + width
		if end > n {
			end = n
		}
		for i := base; i < end; i++ {
			gi := float16.Fromfloat32(g.Data[i]).Float32()

			mi := float16.Fromfloat32(b1*m.Data[i] + (1-b1)*gi).Float32()
			vi := float16.Fromfloat32(b2*v.Data[i] + (1-b2)*gi*gi).Float32()
			m.Data[i] = mi
			v.Data[i] = vi

			mHat := mi / float32(bc1)
			vHat := vi / float32(bc2)
			if vMax != nil {
				if vi > vMax.Data[i] {
					vMax.Data[i] = vi
				}
				if vMaxHat := vMax.Data[i] / float32(bc2); vMaxHat > vHat {
					vHat = vMaxHat
				}
			}

			p.Data[i] -= rate * (mHat/(float32(math.Sqrt(float64(vHat)))+eps) + decay*p.Data[i])
		}
	}
}

// clipGlobalNorm rescales every gradient by maxNorm / (||G||2 + 1e-6) when the
// global norm exceeds maxNorm.
func clipGlobalNorm(names []string, grads map[string]*tensor.Tensor, maxNorm float64) float64 {
	var sum float64
	for _, name := range names {
		for _, v := range grads[name].Data {
			sum += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sum)
	if norm <= maxNorm {
		return norm
	}

	scale := float32(maxNorm / (norm + 1e-6))
	for _, name := range names {
		tensor.ScaleInPlace(grads[name], scale)
	}
	return norm
}

// GradNorm returns the global L2 norm across a gradient map.
func GradNorm(grads map[string]*tensor.Tensor) float64 {
	var sum float64
	for _, g := range grads {
		for _, v := range g.Data {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}
