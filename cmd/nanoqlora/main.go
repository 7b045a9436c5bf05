// Command nanoqlora is the thin driver over the training core.
//
// Commands:
//
//	info                 print the memory accountant report for a built model
//	benchmark-optimizer  time optimizer kernel variants over a fixed tensor
//	train                run the training loop
//	test-forward         run one forward pass
//
// Exit codes: 0 success, 1 initialization failure, 2 training failure,
// 3 cancelled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nano-qlora-go/model"
	"nano-qlora-go/nanoqlora"
	"nano-qlora-go/tensor"
)

const (
	exitOK        = 0
	exitInitFail  = 1
	exitTrainFail = 2
	exitCancelled = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dModel      = flag.Int("d-model", 256, "hidden width")
		numLayers   = flag.Int("num-layers", 8, "layer count")
		vocabSize   = flag.Int("vocab-size", 4096, "vocabulary size")
		seqLength   = flag.Int("seq-length", 128, "sequence length")
		batchSize   = flag.Int("batch-size", 2, "batch size")
		steps       = flag.Int("steps", 100, "training steps")
		accumSteps  = flag.Int("accum-steps", 1, "gradient accumulation factor")
		rank        = flag.Int("lora-rank", 8, "LoRA rank")
		lr          = flag.Float64("lr", 1e-4, "base learning rate")
		seed        = flag.Int64("seed", 42, "seed")
		ckptDir     = flag.String("checkpoint-dir", "checkpoints", "checkpoint directory")
		corpus      = flag.String("corpus", "", "text corpus path (synthetic data when empty)")
		tokenizer   = flag.String("tokenizer", "", "tokenizer.json path for -corpus")
		scanModel   = flag.String("scan-onnx", "", "ONNX selective-scan graph (CPU scan when empty)")
		recompute   = flag.Bool("recompute", false, "recompute activations from checkpoints")
		doubleQuant = flag.Bool("double-quant", true, "double-quantize block scales")
		benchIters  = flag.Int("bench-iters", 100, "benchmark iterations")
	)
	flag.Parse()

	logger := nanoqlora.NewLogger(os.Stderr, slog.LevelInfo)

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: nanoqlora [flags] info|benchmark-optimizer|train|test-forward")
		return exitInitFail
	}
	command := flag.Arg(0)

	cfg := nanoqlora.NewConfig(
		nanoqlora.WithModel(model.Config{
			VocabSize: *vocabSize,
			DModel:    *dModel,
			NumLayers: *numLayers,
			SSM: model.SSMConfig{
				ExpandFactor: 2,
				DState:       16,
				DConv:        4,
				DtRank:       max(1, *dModel/16),
			},
			MoE: model.MoEConfig{
				NumExperts:     8,
				TopK:           2,
				DFF:            *dModel * 4,
				CapacityFactor: 1.25,
				AuxLossWeight:  0.01,
			},
		}),
		nanoqlora.WithLoRA(model.LoRAConfig{
			Rank:          *rank,
			Alpha:         2 * float32(*rank),
			TargetModules: []model.TargetModule{model.TargetStateOutProj, model.TargetMoERouter},
		}),
		nanoqlora.WithData(nanoqlora.DataConfig{
			BatchSize: *batchSize,
			SeqLength: *seqLength,
			VocabSize: *vocabSize,
			Shuffle:   true,
		}),
		nanoqlora.WithSchedule(nanoqlora.CosineWarmup{
			BaseLR:      *lr,
			MinLR:       *lr / 100,
			WarmupSteps: *steps / 10,
			TotalSteps:  *steps,
		}),
		nanoqlora.WithCheckpointPolicy(model.CheckpointPolicy{SaveEveryN: 4, Recompute: *recompute}),
		nanoqlora.WithQuantization(64, *doubleQuant),
		nanoqlora.WithAccumSteps(*accumSteps),
		nanoqlora.WithSeed(*seed),
	)

	switch command {
	case "benchmark-optimizer":
		return benchmarkOptimizer(cfg, *benchIters, logger)
	}

	var data nanoqlora.DataSource
	var err error
	if *corpus != "" {
		data, err = nanoqlora.NewTextDataSource(*corpus, *tokenizer, cfg.Data, *seed)
	} else {
		data, err = nanoqlora.NewSyntheticDataSource(cfg.Data, *seed)
	}
	if err != nil {
		logger.Error("data source init failed", "activity", "init", "error", err.Error())
		return exitInitFail
	}

	engine, err := nanoqlora.NewEngine(cfg, data, nanoqlora.FileSink{Dir: *ckptDir}, logger)
	if err != nil {
		logger.Error("engine init failed", "activity", "init", "error", err.Error())
		return exitInitFail
	}

	if *scanModel != "" {
		scan, err := model.NewONNXScanKernel(*scanModel, 4)
		if err != nil {
			logger.Error("scan kernel init failed", "activity", "init", "error", err.Error())
			return exitInitFail
		}
		defer scan.Close()
		engine.Model.Scan = scan
	}

	switch command {
	case "info":
		report := engine.Accountant().Report()
		fmt.Printf("memory current: %d bytes\n", report.Current)
		fmt.Printf("memory peak:    %d bytes\n", report.Peak)
		for cat, bytes := range report.ByCategory {
			fmt.Printf("  %-17s %d bytes\n", cat, bytes)
		}
		for _, name := range engine.Adapters.Names() {
			a, _ := engine.Adapters.Get(name)
			fmt.Printf("adapter %-24s params=%d  |sAB|_F=%.6f\n", name, a.ParamCount(), adapterNorm(a))
		}
		return exitOK

	case "test-forward":
		ids := make([][]int, cfg.Data.BatchSize)
		rng := rand.New(rand.NewSource(*seed))
		for i := range ids {
			ids[i] = make([]int, cfg.Data.SeqLength)
			for j := range ids[i] {
				ids[i][j] = 1 + rng.Intn(cfg.Model.VocabSize-1)
			}
		}
		start := time.Now()
		shape, aux, err := engine.TestForward(ids)
		if err != nil {
			logger.Error("forward failed", "activity", "forward", "error", err.Error())
			return exitTrainFail
		}
		fmt.Printf("logits shape %v, aux loss %.6f, elapsed %s\n", shape, aux, time.Since(start))
		return exitOK

	case "train":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Background sampler: the accountant is the only state it shares
		// with the loop, and every access serializes inside it.
		go engine.Accountant().Sample(ctx, 10*time.Second, logger)

		if err := engine.Train(ctx, *steps); err != nil {
			if errors.Is(err, context.Canceled) {
				return exitCancelled
			}
			logger.Error("training failed", "activity", "train", "error", err.Error())
			return exitTrainFail
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return exitInitFail
	}
}

// benchmarkOptimizer times each kernel variant over a fixed-shape parameter.
func benchmarkOptimizer(cfg *nanoqlora.Config, iters int, logger *slog.Logger) int {
	const size = 1 << 16
	rng := rand.New(rand.NewSource(7))

	for _, kind := range []nanoqlora.KernelKind{nanoqlora.KernelF32, nanoqlora.KernelF16Scalar, nanoqlora.KernelF16Wide} {
		opt := nanoqlora.NewAdamW(cfg.Optimizer, nanoqlora.ConstantLR(cfg.Optimizer.LearningRate), nil)
		opt.SetKernel(kind)

		params := map[string]*tensor.Tensor{"bench": tensor.Randn(rng, 1, size)}
		grads := map[string]*tensor.Tensor{"bench": tensor.Randn(rng, 1, size)}

		start := time.Now()
		for i := 0; i < iters; i++ {
			if _, err := opt.Step(params, grads); err != nil {
				logger.Error("benchmark step failed", "activity", "benchmark", "error", err.Error())
				return exitTrainFail
			}
		}
		elapsed := time.Since(start)
		fmt.Printf("%-11s %d iters x %d elems: %s (%.1f Melem/s)\n",
			kind, iters, size, elapsed, float64(iters)*size/elapsed.Seconds()/1e6)
	}
	return exitOK
}

func adapterNorm(a *model.Adapter) float64 {
	ab := tensor.MatMul(a.A, a.B)
	return float64(a.Scaling) * float64(tensor.Norm2(ab))
}
