package nanoqlora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"

	"nano-qlora-go/model"
	"nano-qlora-go/tensor"
)

// Engine drives the training loop: forward with LoRA attached and activations
// cached, loss, LoRA-only backward, gradient accumulation, optimizer step,
// metrics and checkpoints. Single-threaded at the loop level; the memory
// sampler is the only concurrent observer and sees the accountant through its
// own serialization.
type Engine struct {
	Config   *Config
	Model    *model.Model
	Adapters *model.AdapterSet

	cache *ActivationCache
	accum *GradientAccumulator
	opt   *AdamW

	data   DataSource
	sink   CheckpointSink
	logger *slog.Logger
	acct   *tensor.Accountant

	params       map[string]*tensor.Tensor
	epoch        int
	micro        int
	lastGradNorm float64
	lastLR       float64
}

// NewEngine quantizes a fresh model, attaches adapters, and wires the loop
// collaborators together.
func NewEngine(cfg *Config, data DataSource, sink CheckpointSink, logger *slog.Logger) (*Engine, error) {
	acct := tensor.NewAccountant()

	m, err := model.NewRandom(cfg.Model, cfg.Seed, acct, cfg.BlockSize, cfg.DoubleQuant)
	if err != nil {
		return nil, fmt.Errorf("building quantized model: %w", err)
	}
	m.SetLogger(logger)
	m.Scan = model.CPUScanKernel{}
	m.Expert = model.CPUExpertKernel{}

	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	adapters, err := model.AttachAdapters(m, cfg.LoRA, rng)
	if err != nil {
		return nil, fmt.Errorf("attaching adapters: %w", err)
	}
	adapters.Training = true
	adapters.SetTrainingRNG(rand.New(rand.NewSource(cfg.Seed + 2)))

	e := &Engine{
		Config:   cfg,
		Model:    m,
		Adapters: adapters,
		cache:    NewActivationCache(acct),
		accum:    NewGradientAccumulator(acct),
		opt:      NewAdamW(cfg.Optimizer, cfg.Schedule, acct),
		data:     data,
		sink:     sink,
		logger:   logger,
		acct:     acct,
	}
	e.params = adapterParams(adapters)

	return e, nil
}

// Accountant exposes the engine's memory accountant for reporting and the
// background sampler.
func (e *Engine) Accountant() *tensor.Accountant {
	return e.acct
}

// Optimizer exposes the optimizer, mainly for benchmarks and tests.
func (e *Engine) Optimizer() *AdamW {
	return e.opt
}

// adapterParams flattens the adapter set into named parameter tensors.
func adapterParams(set *model.AdapterSet) map[string]*tensor.Tensor {
	params := make(map[string]*tensor.Tensor, 2*set.Len())
	for _, name := range set.Names() {
		a, _ := set.Get(name)
		params[name+".A"] = a.A
		params[name+".B"] = a.B
	}
	return params
}

// TrainStep runs one micro-batch: forward, loss, backward, accumulate. It
// returns the loss result; the optimizer fires once every AccumSteps calls.
func (e *Engine) TrainStep(batch *Batch) (LossResult, error) {
	logits, aux, err := e.Model.Forward(batch.InputIDs, e.Adapters, e.cache, e.Config.Checkpoint)
	if err != nil {
		return LossResult{}, err
	}
	// Loss-side buffers hold the temporary budget only until backward ends.
	logits.Adopt(e.acct, tensor.Temporary)
	defer logits.Release()

	res, err := CrossEntropy(logits, batch.TargetIDs)
	if err != nil {
		return LossResult{}, err
	}
	res.Loss += aux

	gLogits, err := CrossEntropyBackward(logits, batch.TargetIDs)
	if err != nil {
		return LossResult{}, err
	}
	gLogits.Adopt(e.acct, tensor.Temporary)
	defer gLogits.Release()

	grads, err := BackwardLoRA(e.Model, e.Adapters, e.cache, gLogits, e.Config.Checkpoint)
	if err != nil {
		return LossResult{}, err
	}

	for name, g := range grads {
		e.accum.Add(name+".A", g.A)
		e.accum.Add(name+".B", g.B)
	}
	e.micro++

	if e.micro >= e.Config.AccumSteps {
		if err := e.optimizerStep(); err != nil {
			return res, err
		}
	}

	return res, nil
}

// optimizerStep applies the accumulated gradients and resets per-step state.
// On a numerical failure the gradient is discarded and the learning rate
// halves for subsequent steps.
func (e *Engine) optimizerStep() error {
	defer func() {
		e.accum.Zero()
		e.cache.Clear()
		e.micro = 0
	}()

	e.lastGradNorm = GradNorm(e.accum.Grads())
	lr, err := e.opt.Step(e.params, e.accum.Grads())
	e.lastLR = lr
	if err != nil {
		if errors.Is(err, ErrNumerical) {
			e.opt.LRScale /= 2
			e.logger.Warn("non-finite update rolled back, halving learning rate",
				"activity", "optimizer", "lr_scale", e.opt.LRScale, "error", err.Error())
			return nil
		}
		return err
	}
	return nil
}

// Train runs the loop for at most maxSteps optimizer-visible steps, honoring
// ctx between steps. An in-flight step always completes before cancellation is
// observed.
func (e *Engine) Train(ctx context.Context, maxSteps int) error {
	bar := progressbar.NewOptions(maxSteps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	var windowTokens int
	windowStart := time.Now()

	for step := 1; step <= maxSteps; step++ {
		select {
		case <-ctx.Done():
			e.logger.Info("training cancelled", "activity", "train", "step", step)
			return ctx.Err()
		default:
		}

		batch, err := e.data.NextBatch()
		if err != nil {
			return fmt.Errorf("fetching batch: %w", err)
		}
		if batch == nil {
			e.epoch++
			if r, ok := e.data.(interface{ Reset() }); ok {
				r.Reset()
				continue
			}
			e.logger.Info("data source exhausted", "activity", "train", "epoch", e.epoch)
			return nil
		}

		res, err := e.TrainStep(batch)
		if err != nil {
			if errors.Is(err, ErrEmptyBatch) {
				e.logger.Warn("skipping all-padding batch", "activity", "train", "step", step)
				continue
			}
			if errors.Is(err, ErrAllocationFailed) {
				e.cache.Clear()
				e.logger.Warn("allocation failed, cache cleared, skipping step",
					"activity", "train", "step", step, "error", err.Error())
				continue
			}
			e.logger.Error("training step failed", "activity", "train", "step", step, "error", err.Error())
			return err
		}

		windowTokens += batch.Tokens()
		bar.Add(1)

		if e.Config.LogEveryN > 0 && step%e.Config.LogEveryN == 0 {
			elapsed := time.Since(windowStart).Seconds()
			toksPerSec := float64(windowTokens) / elapsed
			snap := e.acct.Snapshot()

			e.logger.Info("train step",
				"activity", "train",
				"step", step,
				"epoch", e.epoch,
				"loss", res.Loss,
				"accuracy", res.Accuracy,
				"grad_norm", e.lastGradNorm,
				"lr", e.lastLR,
				"tokens_per_sec", toksPerSec,
				"memory_current", snap.Current,
				"memory_peak", snap.Peak,
			)
			windowTokens = 0
			windowStart = time.Now()
		}

		if e.sink != nil && e.Config.CheckpointEveryN > 0 && step%e.Config.CheckpointEveryN == 0 {
			if err := e.sink.Write(e.epoch, step, float64(res.Loss), e.Adapters); err != nil {
				e.logger.Error("checkpoint write failed", "activity", "checkpoint", "step", step, "error", err.Error())
				return err
			}
			e.logger.Info("checkpoint written", "activity", "checkpoint", "step", step, "loss", res.Loss)
		}
	}

	bar.Finish()
	return nil
}

// TestForward runs a single forward pass and reports logits shape and the
// auxiliary loss, for the driver's test-forward command.
func (e *Engine) TestForward(ids [][]int) ([]int, float32, error) {
	defer e.cache.Clear()

	logits, aux, err := e.Model.Forward(ids, e.Adapters, e.cache, e.Config.Checkpoint)
	if err != nil {
		return nil, 0, err
	}
	return logits.Shape, aux, nil
}
