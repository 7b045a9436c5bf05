package model

import (
	"fmt"

	"nano-qlora-go/tensor"
)

// CheckpointPolicy controls activation retention during forward. With
// Recompute set, adapter pre-activations are not cached; the backward pass
// rebuilds them from the nearest saved checkpoint. Peak activation memory is
// then bounded by ceil(numLayers/SaveEveryN) saved tensors plus one working
// activation.
type CheckpointPolicy struct {
	SaveEveryN int
	Recompute  bool
}

func checkpointName(layer int) string {
	return fmt.Sprintf("ckpt.layer%d.in", layer)
}

// Forward runs the full model: embed, layer stack, tied-head projection.
// Returns logits [B, L, V] and the summed auxiliary load-balancing loss.
func (m *Model) Forward(ids [][]int, adapters *AdapterSet, cache ActivationStore, ckpt CheckpointPolicy) (*tensor.Tensor, float32, error) {
	x, err := m.Embed(ids)
	if err != nil {
		return nil, 0, err
	}

	saveEvery := ckpt.SaveEveryN
	if saveEvery <= 0 {
		saveEvery = 1
	}
	cachePres := !ckpt.Recompute

	var auxTotal float32
	for i := 0; i < len(m.Layers); i++ {
		if ckpt.Recompute && i%saveEvery == 0 {
			cache.Put(checkpointName(i), x.Clone())
		}
		out, aux, err := m.ForwardLayer(i, x, adapters, cache, cachePres)
		if err != nil {
			x.Release()
			return nil, 0, err
		}
		auxTotal += aux

		// One working activation at a time: the layer output takes over the
		// temporary budget and its predecessor returns its bytes.
		out.Adopt(m.acct, tensor.Temporary)
		x.Release()
		x = out
	}

	logits, err := m.ProjectToVocab(x)
	x.Release()
	if err != nil {
		return nil, 0, err
	}
	return logits, auxTotal, nil
}

// RecomputeThrough replays forward from the nearest checkpoint at or before
// layer through that layer, repopulating the adapter pre-activations dropped
// by the checkpointing policy.
func (m *Model) RecomputeThrough(layer int, adapters *AdapterSet, cache ActivationStore, ckpt CheckpointPolicy) error {
	saveEvery := ckpt.SaveEveryN
	if saveEvery <= 0 {
		saveEvery = 1
	}
	start := (layer / saveEvery) * saveEvery

	x, ok := cache.Get(checkpointName(start))
	if !ok {
		return fmt.Errorf("%w: checkpoint %q", ErrMissingActivation, checkpointName(start))
	}

	x = x.Clone()
	for i := start; i <= layer; i++ {
		out, _, err := m.ForwardLayer(i, x, adapters, cache, true)
		if err != nil {
			return err
		}
		x = out
	}
	return nil
}
