// Package nanoqlora is the training engine: loss, LoRA backward, AdamW,
// gradient accumulation, checkpointing and the training loop itself.
package nanoqlora

import (
	"errors"

	"nano-qlora-go/model"
	"nano-qlora-go/nf4"
)

// ErrAllocationFailed reports a refused allocation. Recoverable: the loop
// clears the activation cache and skips the step; the batch is not retried.
var ErrAllocationFailed = errors.New("nanoqlora: allocation failed")

// ErrEmptyBatch reports a loss call with no non-padding targets. The loop
// skips the step.
var ErrEmptyBatch = errors.New("nanoqlora: no valid targets in batch")

// ErrNumerical reports NaN or infinity in parameters after an optimizer step.
// The loop discards the gradient and halves the learning rate.
var ErrNumerical = errors.New("nanoqlora: non-finite parameter detected")

// Recoverable reports whether the training loop may continue past the error
// by skipping or retrying the step. Everything else surfaces to the driver.
func Recoverable(err error) bool {
	return errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrAllocationFailed) ||
		errors.Is(err, ErrNumerical) ||
		errors.Is(err, model.ErrMissingKernel)
}

// Fatal reports the complement of Recoverable for known kinds.
func Fatal(err error) bool {
	return errors.Is(err, model.ErrShapeMismatch) ||
		errors.Is(err, model.ErrMissingActivation) ||
		errors.Is(err, nf4.ErrCodecSize)
}
