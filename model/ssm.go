package model

import (
	"fmt"
	"math"

	"nano-qlora-go/tensor"
)

const rmsNormEps = 1e-5

// forwardSSM runs one selective-state layer: pre-norm, in-projection split
// into x and gate, SiLU gate, selective scan, gated output projection,
// residual. Projection weights dequantize on demand and are dropped as soon
// as their matmul completes.
func (m *Model) forwardSSM(idx int, w *SSMWeights, x *tensor.Tensor, adapters *AdapterSet, cache ActivationStore, cachePres bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != m.Config.DModel {
		return nil, fmt.Errorf("%w: ssm layer %d input shape %v", ErrShapeMismatch, idx, x.Shape)
	}

	batch, seqLen := x.Shape[0], x.Shape[1]
	d := m.Config.DModel
	dInner := m.Config.DInner()
	dState := m.Config.SSM.DState
	dtRank := m.Config.SSM.DtRank

	normed := tensor.RMSNorm(x, rmsNormEps)
	flat := normed.Reshape(batch*seqLen, d)

	// In-projection to [x | z].
	inProj := w.InProj.Dequantize()
	projected := tensor.MatMul(flat, inProj)
	adapters.apply(fmt.Sprintf("layer%d.in-proj", idx), flat, projected)

	xPart := projected.SliceLastDim(0, dInner)
	zPart := projected.SliceLastDim(dInner, 2*dInner)
	gate := tensor.SiLU(zPart)

	// Delta, B, C all derive from the input (input-selective).
	xProj := w.XProj.Dequantize()
	sel := tensor.MatMul(xPart, xProj)
	adapters.apply(fmt.Sprintf("layer%d.x-proj", idx), xPart, sel)

	dtLow := sel.SliceLastDim(0, dtRank)
	bSSM := sel.SliceLastDim(dtRank, dtRank+dState)
	cSSM := sel.SliceLastDim(dtRank+dState, dtRank+2*dState)

	dtProj := w.DtProj.Dequantize()
	delta := tensor.Softplus(tensor.MatMul(dtLow, dtProj))

	// A = -exp(ALog) keeps every channel strictly decaying.
	a := tensor.New(dInner, dState)
	for i := range a.Data {
		a.Data[i] = -float32(math.Exp(float64(w.ALog.Data[i])))
	}

	x3 := xPart.Reshape(batch, seqLen, dInner)
	delta3 := delta.Reshape(batch, seqLen, dInner)
	b3 := bSSM.Reshape(batch, seqLen, dState)
	c3 := cSSM.Reshape(batch, seqLen, dState)

	var y *tensor.Tensor
	if m.Scan != nil {
		var err error
		y, err = m.Scan.Run(x3, delta3, a, b3, c3, w.DSkip)
		if err != nil {
			return nil, fmt.Errorf("scan kernel on layer %d: %w", idx, err)
		}
	} else {
		m.warnOnce(fmt.Sprintf("scan.layer%d", idx))
		y = skipOnlyScan(x3, w.DSkip)
	}

	gated := tensor.Mul(y.Reshape(batch*seqLen, dInner), gate)

	preName := fmt.Sprintf("layer%d.out-proj", idx)
	if cachePres {
		cache.Put(preName+".pre", gated.Clone())
	}

	outProj := w.OutProj.Dequantize()
	out := tensor.MatMul(gated, outProj)
	adapters.apply(preName, gated, out)

	residual := tensor.Add(x.Reshape(batch*seqLen, d), out)
	return residual.Reshape(batch, seqLen, d), nil
}
