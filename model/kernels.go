package model

import (
	"errors"
	"math"

	"nano-qlora-go/tensor"
)

// ErrMissingKernel reports an absent kernel collaborator. Forward operators
// substitute the CPU fallback and log a warning once per operator.
var ErrMissingKernel = errors.New("model: kernel collaborator missing")

// ScanKernel is the external selective-scan collaborator. Shapes:
// x, delta [B, L, dInner]; a [dInner, dState]; bssm, cssm [B, L, dState];
// dskip [dInner]; result [B, L, dInner].
type ScanKernel interface {
	Run(x, delta, a, bssm, cssm, dskip *tensor.Tensor) (*tensor.Tensor, error)
}

// ExpertKernel is the external expert-FFN collaborator: out = ReLU(x*w1)*w2
// with x [N, D], w1 [D, dFF], w2 [dFF, D].
type ExpertKernel interface {
	Run(x, w1, w2 *tensor.Tensor) (*tensor.Tensor, error)
}

// CPUScanKernel is the pure-Go reference scan. For each channel c the state
// evolves as h_t = h_{t-1}*exp(A[c,s]*delta_t[c]) + B_t[s]*x_t[c] and the
// output is y_t[c] = sum_s C_t[s]*h_t[c,s] + D[c]*x_t[c], with h_0 = 0.
type CPUScanKernel struct{}

func (CPUScanKernel) Run(x, delta, a, bssm, cssm, dskip *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	seqLen := x.Shape[1]
	dInner := x.Shape[2]
	dState := a.Shape[1]

	y := tensor.New(batch, seqLen, dInner)
	h := make([]float32, dInner*dState)

	for b := 0; b < batch; b++ {
		for i := range h {
			h[i] = 0
		}
		for t := 0; t < seqLen; t++ {
			xOff := b*seqLen*dInner + t*dInner
			sOff := b*seqLen*dState + t*dState

			for c := 0; c < dInner; c++ {
				xt := x.Data[xOff+c]
				dt := delta.Data[xOff+c]

				sum := float32(0)
				for s := 0; s < dState; s++ {
					decay := float32(math.Exp(float64(a.Data[c*dState+s] * dt)))
					hv := h[c*dState+s]*decay + bssm.Data[sOff+s]*xt
					h[c*dState+s] = hv
					sum += cssm.Data[sOff+s] * hv
				}
				y.Data[xOff+c] = sum + dskip.Data[c]*xt
			}
		}
	}

	return y, nil
}

// skipOnlyScan is the degraded no-kernel fallback: y_t = D_c * x_t. Shape
// conformant but without recurrent dynamics.
func skipOnlyScan(x, dskip *tensor.Tensor) *tensor.Tensor {
	batch := x.Shape[0]
	seqLen := x.Shape[1]
	dInner := x.Shape[2]

	y := tensor.New(batch, seqLen, dInner)
	for i := 0; i < batch*seqLen; i++ {
		off := i * dInner
		for c := 0; c < dInner; c++ {
			y.Data[off+c] = dskip.Data[c] * x.Data[off+c]
		}
	}
	return y
}

// CPUExpertKernel is the dense fallback expert FFN.
type CPUExpertKernel struct{}

func (CPUExpertKernel) Run(x, w1, w2 *tensor.Tensor) (*tensor.Tensor, error) {
	hidden := tensor.ReLU(tensor.MatMul(x, w1))
	return tensor.MatMul(hidden, w2), nil
}
