package nanoqlora

import (
	"fmt"
	"strconv"
	"strings"

	"nano-qlora-go/model"
	"nano-qlora-go/tensor"
)

// AdapterGrads is the gradient pair for one adapter.
type AdapterGrads struct {
	A *tensor.Tensor
	B *tensor.Tensor
}

// BackwardLoRA converts the logits gradient through the tied head into a
// hidden gradient, then computes (gradA, gradB) for every attached adapter
// whose pre-activation is available. Under a recompute checkpoint policy,
// missing pre-activations are rebuilt from the nearest saved checkpoint
// before differentiation. The frozen base weights receive no gradient.
func BackwardLoRA(m *model.Model, adapters *model.AdapterSet, cache *ActivationCache, gLogits *tensor.Tensor, ckpt model.CheckpointPolicy) (map[string]AdapterGrads, error) {
	if len(gLogits.Shape) != 3 || gLogits.Shape[2] != m.Config.VocabSize {
		return nil, fmt.Errorf("%w: logits gradient shape %v", model.ErrShapeMismatch, gLogits.Shape)
	}

	batch, seqLen := gLogits.Shape[0], gLogits.Shape[1]
	n := batch * seqLen

	// Tied head: G_hidden = G_logits * W_embed, [N,V] x [V,D] -> [N,D].
	head := m.HeadWeights()
	gHidden := tensor.MatMul(gLogits.Reshape(n, m.Config.VocabSize), head)

	out := make(map[string]AdapterGrads, adapters.Len())

	for _, name := range adapters.Names() {
		a, _ := adapters.Get(name)

		pre, ok := cache.Get(name + ".pre")
		if !ok && ckpt.Recompute {
			layer, err := layerIndex(name)
			if err != nil {
				return nil, err
			}
			if err := m.RecomputeThrough(layer, adapters, cache, ckpt); err != nil {
				return nil, err
			}
			pre, ok = cache.Get(name + ".pre")
		}
		if !ok {
			return nil, fmt.Errorf("%w: adapter %q has no cached input", model.ErrMissingActivation, name)
		}

		if len(pre.Shape) != 2 || pre.Shape[1] != a.A.Shape[0] {
			return nil, fmt.Errorf("%w: adapter %q cached input %v vs A %v", model.ErrShapeMismatch, name, pre.Shape, a.A.Shape)
		}
		if pre.Shape[0] != n {
			return nil, fmt.Errorf("%w: adapter %q cached %d rows, gradient has %d", model.ErrShapeMismatch, name, pre.Shape[0], n)
		}
		if a.B.Shape[1] != m.Config.DModel {
			// The hidden gradient only reaches adapters that write into the
			// residual stream. Targets with a different output width (the MoE
			// router) stay frozen this step.
			continue
		}

		// grad_B = sigma * (x*A)^T * G
		xa := tensor.MatMul(pre, a.A)
		gradB := tensor.MatMul(tensor.Transpose(xa), gHidden)
		tensor.ScaleInPlace(gradB, a.Scaling)

		// grad_A = sigma * x^T * (G * B^T)
		gb := tensor.MatMulTransposeB(gHidden, a.B)
		gradA := tensor.MatMul(tensor.Transpose(pre), gb)
		tensor.ScaleInPlace(gradA, a.Scaling)

		out[name] = AdapterGrads{A: gradA, B: gradB}
	}

	return out, nil
}

// layerIndex extracts i from an adapter name of the form "layer{i}.<target>".
func layerIndex(name string) (int, error) {
	rest, ok := strings.CutPrefix(name, "layer")
	if !ok {
		return 0, fmt.Errorf("%w: adapter name %q has no layer index", model.ErrMissingActivation, name)
	}
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, fmt.Errorf("%w: adapter name %q has no layer index", model.ErrMissingActivation, name)
	}
	i, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return 0, fmt.Errorf("%w: adapter name %q has no layer index", model.ErrMissingActivation, name)
	}
	return i, nil
}
