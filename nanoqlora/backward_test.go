package nanoqlora

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"nano-qlora-go/model"
	"nano-qlora-go/tensor"
)

// singleLayerSetup builds a one-layer state-space model where the analytic
// LoRA gradient is exact: the adapter feeds the residual stream directly and
// the only downstream operators are the tied head and the loss.
func singleLayerSetup(t *testing.T) (*model.Model, *model.AdapterSet, *ActivationCache) {
	t.Helper()

	cfg := model.Config{
		VocabSize: 16,
		DModel:    8,
		NumLayers: 1,
		SSM:       model.SSMConfig{ExpandFactor: 2, DState: 4, DConv: 4, DtRank: 2},
		MoE:       model.MoEConfig{NumExperts: 2, TopK: 1, DFF: 8, AuxLossWeight: 0},
	}

	m, err := model.NewRandom(cfg, 11, nil, 64, false)
	if err != nil {
		t.Fatalf("NewRandom failed: %v", err)
	}
	m.Scan = model.CPUScanKernel{}
	m.Expert = model.CPUExpertKernel{}

	lcfg := model.LoRAConfig{Rank: 3, Alpha: 6, TargetModules: []model.TargetModule{model.TargetStateOutProj}}
	set, err := model.AttachAdapters(m, lcfg, rand.New(rand.NewSource(12)))
	if err != nil {
		t.Fatalf("AttachAdapters failed: %v", err)
	}

	// Zero-init B produces zero A-gradients, so give it mass.
	a, _ := set.Get("layer0.out-proj")
	rng := rand.New(rand.NewSource(13))
	for i := range a.B.Data {
		a.B.Data[i] = (rng.Float32() - 0.5) * 0.2
	}

	return m, set, NewActivationCache(nil)
}

func TestBackwardGradientsAgainstFiniteDifferences(t *testing.T) {
	m, set, cache := singleLayerSetup(t)
	ids := [][]int{{1, 5, 9}}
	targets := [][]int{{5, 9, 2}}
	policy := model.CheckpointPolicy{SaveEveryN: 1}

	loss := func() float64 {
		c := NewActivationCache(nil)
		logits, _, err := m.Forward(ids, set, c, policy)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		res, err := CrossEntropy(logits, targets)
		if err != nil {
			t.Fatalf("CrossEntropy failed: %v", err)
		}
		return float64(res.Loss)
	}

	logits, _, err := m.Forward(ids, set, cache, policy)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	gLogits, err := CrossEntropyBackward(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyBackward failed: %v", err)
	}

	grads, err := BackwardLoRA(m, set, cache, gLogits, policy)
	if err != nil {
		t.Fatalf("BackwardLoRA failed: %v", err)
	}
	g, ok := grads["layer0.out-proj"]
	if !ok {
		t.Fatalf("No gradients for layer0.out-proj")
	}

	adapter, _ := set.Get("layer0.out-proj")

	check := func(name string, param *tensor.Tensor, grad *tensor.Tensor, indices []int) {
		const h = 1e-2
		for _, idx := range indices {
			orig := param.Data[idx]

			param.Data[idx] = orig + h
			up := loss()
			param.Data[idx] = orig - h
			down := loss()
			param.Data[idx] = orig

			fd := (up - down) / (2 * h)
			an := float64(grad.Data[idx])
			tol := 5e-2*math.Max(math.Abs(an), math.Abs(fd)) + 1e-4
			if math.Abs(fd-an) > tol {
				t.Errorf("%s[%d]: finite diff %g vs analytic %g", name, idx, fd, an)
			}
		}
	}

	check("A", adapter.A, g.A, []int{0, 5, 17, 30})
	check("B", adapter.B, g.B, []int{0, 3, 11, 20})
}

func TestBackwardMissingActivation(t *testing.T) {
	m, set, cache := singleLayerSetup(t)

	gLogits := tensor.New(1, 3, 16)
	// Cache never populated and no checkpoints saved: fatal wiring error.
	_, err := BackwardLoRA(m, set, cache, gLogits, model.CheckpointPolicy{SaveEveryN: 1})
	if !errors.Is(err, model.ErrMissingActivation) {
		t.Errorf("Expected ErrMissingActivation, got %v", err)
	}
}

func TestBackwardShapeMismatch(t *testing.T) {
	m, set, cache := singleLayerSetup(t)

	// Stale cache entry with the wrong inner width.
	cache.Put("layer0.out-proj.pre", tensor.New(3, 7))
	gLogits := tensor.New(1, 3, 16)

	_, err := BackwardLoRA(m, set, cache, gLogits, model.CheckpointPolicy{SaveEveryN: 1})
	if !errors.Is(err, model.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestBackwardWithRecompute(t *testing.T) {
	m, set, _ := singleLayerSetup(t)
	ids := [][]int{{2, 4, 6}}
	targets := [][]int{{4, 6, 8}}

	run := func(policy model.CheckpointPolicy) AdapterGrads {
		cache := NewActivationCache(nil)
		logits, _, err := m.Forward(ids, set, cache, policy)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		gLogits, err := CrossEntropyBackward(logits, targets)
		if err != nil {
			t.Fatalf("CrossEntropyBackward failed: %v", err)
		}
		grads, err := BackwardLoRA(m, set, cache, gLogits, policy)
		if err != nil {
			t.Fatalf("BackwardLoRA failed: %v", err)
		}
		return grads["layer0.out-proj"]
	}

	direct := run(model.CheckpointPolicy{SaveEveryN: 1})
	recomputed := run(model.CheckpointPolicy{SaveEveryN: 1, Recompute: true})

	for i := range direct.A.Data {
		if direct.A.Data[i] != recomputed.A.Data[i] {
			t.Fatalf("Recomputed gradA differs at %d", i)
		}
	}
	for i := range direct.B.Data {
		if direct.B.Data[i] != recomputed.B.Data[i] {
			t.Fatalf("Recomputed gradB differs at %d", i)
		}
	}
}
