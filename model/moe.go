package model

import (
	"fmt"

	"nano-qlora-go/tensor"
)

// forwardMoE runs one mixture-of-experts layer and returns the auxiliary
// load-balancing scalar alongside the output.
func (m *Model) forwardMoE(idx int, w *MoEWeights, x *tensor.Tensor, adapters *AdapterSet, cache ActivationStore, cachePres bool) (*tensor.Tensor, float32, error) {
	if len(x.Shape) != 3 || x.Shape[2] != m.Config.DModel {
		return nil, 0, fmt.Errorf("%w: moe layer %d input shape %v", ErrShapeMismatch, idx, x.Shape)
	}

	batch, seqLen := x.Shape[0], x.Shape[1]
	d := m.Config.DModel
	numExperts := m.Config.MoE.NumExperts
	topK := m.Config.MoE.TopK

	normed := tensor.RMSNorm(x, rmsNormEps)
	flat := normed.Reshape(batch*seqLen, d)

	preName := fmt.Sprintf("layer%d.router", idx)
	if cachePres {
		cache.Put(preName+".pre", flat.Clone())
	}

	router := w.Router.Dequantize()
	logits := tensor.MatMul(flat, router)
	adapters.apply(preName, flat, logits)

	probs := tensor.Softmax(logits)

	tokens := batch * seqLen
	combined := tensor.New(tokens, d)
	assignments := make([]int, numExperts)

	// Experts dequantize once per layer call, not once per token.
	w1 := make([]*tensor.Tensor, numExperts)
	w2 := make([]*tensor.Tensor, numExperts)
	used := make([]bool, numExperts)

	indices := make([]int, topK)
	weights := make([]float32, topK)

	for tok := 0; tok < tokens; tok++ {
		p := probs.Data[tok*numExperts : (tok+1)*numExperts]

		// Top-k by probability; ties break to the lower expert index because
		// only a strictly greater value displaces a chosen one.
		chosen := make([]bool, numExperts)
		for k := 0; k < topK; k++ {
			best := -1
			bestP := float32(-1)
			for e := 0; e < numExperts; e++ {
				if chosen[e] {
					continue
				}
				if p[e] > bestP {
					best = e
					bestP = p[e]
				}
			}
			chosen[best] = true
			indices[k] = best
			weights[k] = bestP
		}

		var sum float32
		for k := 0; k < topK; k++ {
			sum += weights[k]
		}
		for k := 0; k < topK; k++ {
			weights[k] /= sum
		}

		tokIn := flat.Slice(tok, tok+1)
		for k := 0; k < topK; k++ {
			e := indices[k]
			assignments[e]++

			if !used[e] {
				w1[e] = w.W1[e].Dequantize()
				w2[e] = w.W2[e].Dequantize()
				used[e] = true
			}

			var expertOut *tensor.Tensor
			var err error
			if m.Expert != nil {
				expertOut, err = m.Expert.Run(tokIn, w1[e], w2[e])
				if err != nil {
					return nil, 0, fmt.Errorf("expert kernel on layer %d expert %d: %w", idx, e, err)
				}
			} else {
				m.warnOnce(fmt.Sprintf("expert.layer%d", idx))
				expertOut, _ = CPUExpertKernel{}.Run(tokIn, w1[e], w2[e])
			}

			for j := 0; j < d; j++ {
				combined.Data[tok*d+j] += weights[k] * expertOut.Data[j]
			}
		}
	}

	aux := loadBalanceLoss(assignments, tokens*topK, m.Config.MoE.AuxLossWeight)

	residual := tensor.Add(x.Reshape(tokens, d), combined)
	return residual.Reshape(batch, seqLen, d), aux, nil
}

// loadBalanceLoss penalizes deviation of per-expert assignment fractions from
// the uniform target 1/E: lambda * (1/E) * sum_j (f_j - 1/E)^2.
func loadBalanceLoss(assignments []int, total int, lambda float32) float32 {
	if total == 0 || lambda == 0 {
		return 0
	}

	numExperts := len(assignments)
	target := 1 / float32(numExperts)

	var sum float32
	for _, n := range assignments {
		f := float32(n) / float32(total)
		diff := f - target
		sum += diff * diff
	}
	return lambda * sum / float32(numExperts)
}
