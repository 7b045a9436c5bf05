package nanoqlora

import (
	"fmt"
	"math"

	"nano-qlora-go/model"
	"nano-qlora-go/tensor"
)

// LossResult carries the scalar outputs of a loss forward.
type LossResult struct {
	Loss     float32
	Accuracy float32
	Valid    int // non-padding positions
}

// CrossEntropy computes masked cross-entropy over logits [B, L, V] against
// integer targets [B][L]. Target id 0 is padding and contributes to neither
// loss nor accuracy. The log-sum-exp is stabilized by max subtraction.
func CrossEntropy(logits *tensor.Tensor, targets [][]int) (LossResult, error) {
	if len(logits.Shape) != 3 {
		return LossResult{}, fmt.Errorf("%w: logits shape %v, want [B,L,V]", model.ErrShapeMismatch, logits.Shape)
	}

	batch, seqLen, vocab := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	if len(targets) != batch {
		return LossResult{}, fmt.Errorf("%w: %d target rows for batch %d", model.ErrShapeMismatch, len(targets), batch)
	}

	var lossSum float64
	var correct, valid int

	for b := 0; b < batch; b++ {
		if len(targets[b]) != seqLen {
			return LossResult{}, fmt.Errorf("%w: target row %d has %d entries, want %d", model.ErrShapeMismatch, b, len(targets[b]), seqLen)
		}
		for t := 0; t < seqLen; t++ {
			target := targets[b][t]
			if target == model.PadTokenID {
				continue
			}
			if target < 0 || target >= vocab {
				return LossResult{}, fmt.Errorf("%w: target id %d outside vocab of %d", model.ErrShapeMismatch, target, vocab)
			}
			valid++

			row := logits.Data[(b*seqLen+t)*vocab : (b*seqLen+t+1)*vocab]

			maxVal := row[0]
			argmax := 0
			for v := 1; v < vocab; v++ {
				if row[v] > maxVal {
					maxVal = row[v]
					argmax = v
				}
			}

			var sumExp float64
			for v := 0; v < vocab; v++ {
				sumExp += math.Exp(float64(row[v] - maxVal))
			}
			lossSum += float64(maxVal) + math.Log(sumExp) - float64(row[target])

			if argmax == target {
				correct++
			}
		}
	}

	if valid == 0 {
		return LossResult{}, fmt.Errorf("%w: all %d positions are padding", ErrEmptyBatch, batch*seqLen)
	}

	return LossResult{
		Loss:     float32(lossSum / float64(valid)),
		Accuracy: float32(correct) / float32(valid),
		Valid:    valid,
	}, nil
}

// CrossEntropyBackward returns the logits gradient
// (softmax(logits) - one_hot(target)) / valid for non-padding positions and
// zero elsewhere.
func CrossEntropyBackward(logits *tensor.Tensor, targets [][]int) (*tensor.Tensor, error) {
	batch, seqLen, vocab := logits.Shape[0], logits.Shape[1], logits.Shape[2]

	valid := 0
	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			if targets[b][t] != model.PadTokenID {
				valid++
			}
		}
	}
	if valid == 0 {
		return nil, fmt.Errorf("%w: all positions are padding", ErrEmptyBatch)
	}

	grad := tensor.New(logits.Shape...)
	inv := 1 / float32(valid)

	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			target := targets[b][t]
			if target == model.PadTokenID {
				continue
			}

			off := (b*seqLen + t) * vocab
			row := logits.Data[off : off+vocab]

			maxVal := row[0]
			for v := 1; v < vocab; v++ {
				if row[v] > maxVal {
					maxVal = row[v]
				}
			}

			var sumExp float64
			for v := 0; v < vocab; v++ {
				sumExp += math.Exp(float64(row[v] - maxVal))
			}

			for v := 0; v < vocab; v++ {
				sm := float32(math.Exp(float64(row[v]-maxVal)) / sumExp)
				grad.Data[off+v] = sm * inv
			}
			grad.Data[off+target] -= inv
		}
	}

	return grad, nil
}
