package nanoqlora

import (
	"nano-qlora-go/tensor"
)

// ActivationCache owns the intermediate tensors saved during a forward pass
// so the LoRA backward can read them. Clear is mandatory between training
// steps; it returns every saved byte to the accountant.
type ActivationCache struct {
	entries map[string]*tensor.Tensor
	acct    *tensor.Accountant
}

// NewActivationCache creates an empty cache accounted under activations.
func NewActivationCache(acct *tensor.Accountant) *ActivationCache {
	return &ActivationCache{
		entries: make(map[string]*tensor.Tensor),
		acct:    acct,
	}
}

// Put stores a tensor under a hierarchical name, replacing any previous entry.
func (c *ActivationCache) Put(name string, t *tensor.Tensor) {
	if old, ok := c.entries[name]; ok && c.acct != nil {
		c.acct.Unregister(tensor.Activations, old.NumBytes())
	}
	c.entries[name] = t
	if c.acct != nil {
		c.acct.Register(tensor.Activations, t.NumBytes())
	}
}

// Get returns the tensor saved under name.
func (c *ActivationCache) Get(name string) (*tensor.Tensor, bool) {
	t, ok := c.entries[name]
	return t, ok
}

// Len returns the number of cached activations.
func (c *ActivationCache) Len() int {
	return len(c.entries)
}

// Clear drops all entries and deregisters their bytes.
func (c *ActivationCache) Clear() {
	if c.acct != nil {
		for _, t := range c.entries {
			c.acct.Unregister(tensor.Activations, t.NumBytes())
		}
	}
	c.entries = make(map[string]*tensor.Tensor)
}

// GradientAccumulator sums gradients per parameter name across micro-batches.
type GradientAccumulator struct {
	grads map[string]*tensor.Tensor
	acct  *tensor.Accountant
}

// NewGradientAccumulator creates an empty accumulator accounted under
// gradients.
func NewGradientAccumulator(acct *tensor.Accountant) *GradientAccumulator {
	return &GradientAccumulator{
		grads: make(map[string]*tensor.Tensor),
		acct:  acct,
	}
}

// Add accumulates g element-wise into the named slot, allocating it shaped
// like g on first sight.
func (a *GradientAccumulator) Add(name string, g *tensor.Tensor) {
	acc, ok := a.grads[name]
	if !ok {
		acc = tensor.NewTagged(a.acct, tensor.Gradients, g.Shape...)
		a.grads[name] = acc
	}
	tensor.AddInPlace(acc, g)
}

// Get returns the accumulated gradient for name.
func (a *GradientAccumulator) Get(name string) (*tensor.Tensor, bool) {
	g, ok := a.grads[name]
	return g, ok
}

// Grads exposes the accumulator map for the optimizer step.
func (a *GradientAccumulator) Grads() map[string]*tensor.Tensor {
	return a.grads
}

// Zero drops all entries and deregisters their bytes.
func (a *GradientAccumulator) Zero() {
	for _, g := range a.grads {
		g.Release()
	}
	a.grads = make(map[string]*tensor.Tensor)
}
