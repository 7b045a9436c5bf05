package nanoqlora

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"nano-qlora-go/tensor"
)

func TestCrossEntropyKnownValue(t *testing.T) {
	// log-sum-exp over {1, 2, 0, -1} minus the target logit 2.
	logits := tensor.FromSlice([]float32{1, 2, 0, -1}, 1, 1, 4)
	res, err := CrossEntropy(logits, [][]int{{1}})
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}

	want := math.Log(math.E+math.E*math.E+1+1/math.E) - 2
	if math.Abs(float64(res.Loss)-want) > 1e-5 {
		t.Errorf("Loss = %f, want %f", res.Loss, want)
	}
	if res.Accuracy != 1 {
		t.Errorf("Accuracy = %f, want 1", res.Accuracy)
	}
	if res.Valid != 1 {
		t.Errorf("Valid = %d, want 1", res.Valid)
	}
}

func TestCrossEntropyPaddingMask(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits := tensor.Randn(rng, 1, 1, 3, 5)
	targets := [][]int{{0, 0, 1}}

	res, err := CrossEntropy(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}
	if res.Valid != 1 {
		t.Errorf("Valid = %d, want only position 2", res.Valid)
	}

	// The loss must equal the per-position loss of position 2 alone.
	solo := tensor.FromSlice(logits.Data[2*5:3*5], 1, 1, 5)
	soloRes, err := CrossEntropy(solo, [][]int{{1}})
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}
	if math.Abs(float64(res.Loss-soloRes.Loss)) > 1e-6 {
		t.Errorf("Masked loss %f differs from solo loss %f", res.Loss, soloRes.Loss)
	}

	// Padding positions contribute zero gradient.
	grad, err := CrossEntropyBackward(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyBackward failed: %v", err)
	}
	for i := 0; i < 2*5; i++ {
		if grad.Data[i] != 0 {
			t.Errorf("Padding gradient element %d = %f, want 0", i, grad.Data[i])
		}
	}
}

func TestCrossEntropyEmptyBatch(t *testing.T) {
	logits := tensor.New(1, 2, 4)
	targets := [][]int{{0, 0}}

	if _, err := CrossEntropy(logits, targets); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Expected ErrEmptyBatch, got %v", err)
	}
	if _, err := CrossEntropyBackward(logits, targets); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Expected ErrEmptyBatch from backward, got %v", err)
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	logits := tensor.Randn(rng, 1, 2, 3, 6)
	targets := [][]int{{1, 5, 2}, {3, 0, 4}}

	grad, err := CrossEntropyBackward(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyBackward failed: %v", err)
	}

	// softmax - one_hot sums to zero over the vocabulary.
	for pos := 0; pos < 6; pos++ {
		var sum float64
		for v := 0; v < 6; v++ {
			sum += float64(grad.Data[pos*6+v])
		}
		if math.Abs(sum) > 1e-6 {
			t.Errorf("Gradient row %d sums to %g, want 0", pos, sum)
		}
	}

	// Finite differences on a few logits.
	const h = 1e-3
	for _, idx := range []int{0, 7, 13, 20, 33} {
		orig := logits.Data[idx]

		logits.Data[idx] = orig + h
		up, _ := CrossEntropy(logits, targets)
		logits.Data[idx] = orig - h
		down, _ := CrossEntropy(logits, targets)
		logits.Data[idx] = orig

		fd := float64(up.Loss-down.Loss) / (2 * h)
		an := float64(grad.Data[idx])
		if math.Abs(fd-an) > 1e-3*math.Max(1, math.Abs(an)) {
			t.Errorf("Logit %d: finite diff %g vs analytic %g", idx, fd, an)
		}
	}
}
