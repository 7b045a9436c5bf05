package nanoqlora

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"nano-qlora-go/tensor"
)

func quadOptimizer(kind KernelKind, lr, decay float64) *AdamW {
	cfg := DefaultOptimizerConfig()
	cfg.LearningRate = lr
	cfg.WeightDecay = decay
	opt := NewAdamW(cfg, ConstantLR(lr), nil)
	opt.SetKernel(kind)
	return opt
}

func TestAdamWDecreasesQuadratic(t *testing.T) {
	// L(p) = 0.5*||p - p*||^2, gradient p - p*.
	rng := rand.New(rand.NewSource(1))
	p := tensor.Randn(rng, 1, 32)
	pStar := tensor.Randn(rng, 1, 32)

	dist := func() float64 {
		var sum float64
		for i := range p.Data {
			d := float64(p.Data[i] - pStar.Data[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	start := dist()

	opt := quadOptimizer(KernelF32, 1e-2, 0)
	params := map[string]*tensor.Tensor{"p": p}

	for i := 0; i < 500; i++ {
		g := tensor.New(32)
		for j := range g.Data {
			g.Data[j] = p.Data[j] - pStar.Data[j]
		}
		if _, err := opt.Step(params, map[string]*tensor.Tensor{"p": g}); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	if end := dist(); end > 0.01*start {
		t.Errorf("Distance only reduced from %f to %f, want >= 99%%", start, end)
	}
}

func TestBiasCorrectionFirstStep(t *testing.T) {
	// At t=1 the bias-corrected moments are exactly g and g^2, so the update
	// magnitude is the learning rate.
	const lr = 1e-2
	opt := quadOptimizer(KernelF32, lr, 0)
	opt.Config.Epsilon = 0

	p := tensor.FromSlice([]float32{1, -2, 3}, 3)
	before := p.Clone()
	g := tensor.FromSlice([]float32{0.5, -0.25, 2}, 3)

	if _, err := opt.Step(map[string]*tensor.Tensor{"p": p}, map[string]*tensor.Tensor{"p": g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	for i := range p.Data {
		delta := math.Abs(float64(p.Data[i] - before.Data[i]))
		if math.Abs(delta-lr) > 1e-6 {
			t.Errorf("Element %d moved by %g, want lr=%g", i, delta, lr)
		}
		// Update opposes the gradient sign.
		if (g.Data[i] > 0) != (p.Data[i] < before.Data[i]) {
			t.Errorf("Element %d moved with the gradient", i)
		}
	}
}

func TestGradClipScalesByTenth(t *testing.T) {
	g1 := tensor.FromSlice([]float32{3, -4}, 2)
	g2 := tensor.FromSlice([]float32{12}, 1)
	grads := map[string]*tensor.Tensor{"a": g1, "b": g2}

	// Global norm of (3, -4, 12) is 13; clip to 1.3 so every element is a
	// tenth of its original value.
	want := []float32{0.3, -0.4, 1.2}
	clipGlobalNorm([]string{"a", "b"}, grads, 1.3)

	got := []float32{g1.Data[0], g1.Data[1], g2.Data[0]}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("Clipped element %d = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestClipNoopBelowThreshold(t *testing.T) {
	g := tensor.FromSlice([]float32{0.1, 0.2}, 2)
	grads := map[string]*tensor.Tensor{"g": g}

	clipGlobalNorm([]string{"g"}, grads, 100)
	if g.Data[0] != 0.1 || g.Data[1] != 0.2 {
		t.Errorf("Clip modified gradients below threshold: %v", g.Data)
	}
}

func TestAMSGradMonotoneSecondMoment(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.AMSGrad = true
	opt := NewAdamW(cfg, ConstantLR(1e-3), nil)
	opt.SetKernel(KernelF32)

	p := tensor.FromSlice([]float32{1}, 1)
	params := map[string]*tensor.Tensor{"p": p}

	// A large gradient then a tiny one: v decays but vMax must hold.
	opt.Step(params, map[string]*tensor.Tensor{"p": tensor.FromSlice([]float32{10}, 1)})
	vAfterBig := opt.vMax["p"].Data[0]
	opt.Step(params, map[string]*tensor.Tensor{"p": tensor.FromSlice([]float32{1e-4}, 1)})

	if opt.vMax["p"].Data[0] < vAfterBig {
		t.Errorf("vMax decreased from %f to %f", vAfterBig, opt.vMax["p"].Data[0])
	}
}

func TestKernelVariantsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	g := tensor.Randn(rng, 0.1, 2048)

	results := make(map[KernelKind]*tensor.Tensor)
	for _, kind := range []KernelKind{KernelF32, KernelF16Scalar, KernelF16Wide} {
		p := tensor.Ones(2048)
		opt := quadOptimizer(kind, 1e-3, 0.01)
		if _, err := opt.Step(map[string]*tensor.Tensor{"p": p}, map[string]*tensor.Tensor{"p": g.Clone()}); err != nil {
			t.Fatalf("Kernel %v failed: %v", kind, err)
		}
		results[kind] = p
	}

	ref := results[KernelF32]
	for _, kind := range []KernelKind{KernelF16Scalar, KernelF16Wide} {
		for i := range ref.Data {
			if diff := math.Abs(float64(results[kind].Data[i] - ref.Data[i])); diff > 1e-4 {
				t.Errorf("Kernel %v diverges from f32 at %d by %g", kind, i, diff)
				break
			}
		}
	}

	// Scalar and wide half-precision paths run the same arithmetic.
	for i := range ref.Data {
		if results[KernelF16Scalar].Data[i] != results[KernelF16Wide].Data[i] {
			t.Errorf("f16 scalar and wide disagree at %d", i)
			break
		}
	}
}

func TestKernelSelection(t *testing.T) {
	if got := selectKernel(2048); got != KernelF16Wide {
		t.Errorf("selectKernel(2048) = %v, want wide", got)
	}
	if got := selectKernel(100); got != KernelF16Scalar {
		t.Errorf("selectKernel(100) = %v, want scalar", got)
	}
	if got := selectKernel(1025); got != KernelF16Scalar {
		t.Errorf("selectKernel(1025) = %v, want scalar for unaligned count", got)
	}
}

func TestNumericalRollback(t *testing.T) {
	opt := quadOptimizer(KernelF32, 1e-2, 0)

	p := tensor.FromSlice([]float32{1, 2}, 2)
	before := p.Clone()
	g := tensor.FromSlice([]float32{float32(math.Inf(1)), 0}, 2)

	_, err := opt.Step(map[string]*tensor.Tensor{"p": p}, map[string]*tensor.Tensor{"p": g})
	if !errors.Is(err, ErrNumerical) {
		t.Fatalf("Expected ErrNumerical, got %v", err)
	}

	// No partial update may be visible after a rolled-back step.
	for i := range p.Data {
		if p.Data[i] != before.Data[i] {
			t.Errorf("Parameter %d changed to %f after rollback", i, p.Data[i])
		}
	}
}

func TestCosineWarmupSchedule(t *testing.T) {
	s := CosineWarmup{BaseLR: 1e-3, MinLR: 1e-5, WarmupSteps: 10, TotalSteps: 110}

	if got := s.Get(5); math.Abs(got-5e-4) > 1e-12 {
		t.Errorf("Warmup lr at step 5 = %g, want 5e-4", got)
	}
	if got := s.Get(10); math.Abs(got-1e-3) > 1e-12 {
		t.Errorf("lr at warmup end = %g, want base", got)
	}
	if got := s.Get(60); math.Abs(got-(1e-5+(1e-3-1e-5)*0.5)) > 1e-9 {
		t.Errorf("lr at midpoint = %g, want halfway", got)
	}
	if got := s.Get(110); got != 1e-5 {
		t.Errorf("lr at end = %g, want min", got)
	}
	if got := s.Get(500); got != 1e-5 {
		t.Errorf("lr past end = %g, want min", got)
	}
}
