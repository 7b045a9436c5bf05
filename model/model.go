package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"nano-qlora-go/nf4"
	"nano-qlora-go/tensor"
)

// ErrShapeMismatch reports shapes that violate an operator's contract.
var ErrShapeMismatch = errors.New("model: shape mismatch")

// ErrMissingActivation reports a backward pass invoked without the cached
// activation it requires. It indicates a mis-wired forward and is fatal.
var ErrMissingActivation = errors.New("model: missing cached activation")

// PadTokenID is the padding token. It embeds to the zero row and is ignored
// by the loss.
const PadTokenID = 0

// ActivationStore is the name-keyed activation cache the forward pass writes
// into and the backward pass reads from.
type ActivationStore interface {
	Put(name string, t *tensor.Tensor)
	Get(name string) (*tensor.Tensor, bool)
}

// SSMWeights holds one selective-state layer. Projections are frozen NF4;
// the per-channel decay and skip terms stay float32 because they are tiny and
// numerically sensitive in log space.
type SSMWeights struct {
	InProj  *nf4.QuantizedTensor // [D, 2*dInner]
	XProj   *nf4.QuantizedTensor // [dInner, dtRank + 2*dState]
	DtProj  *nf4.QuantizedTensor // [dtRank, dInner]
	OutProj *nf4.QuantizedTensor // [dInner, D]
	ALog    *tensor.Tensor       // [dInner, dState]
	DSkip   *tensor.Tensor       // [dInner]
}

// MoEWeights holds one mixture-of-experts layer.
type MoEWeights struct {
	Router *nf4.QuantizedTensor   // [D, E]
	W1     []*nf4.QuantizedTensor // per expert [D, dFF]
	W2     []*nf4.QuantizedTensor // per expert [dFF, D]
}

// Layer is the tagged layer variant. Exactly one of SSM and MoE is set,
// matching Kind.
type Layer struct {
	Kind LayerKind
	SSM  *SSMWeights
	MoE  *MoEWeights
}

// Model is the frozen quantized model: tied embedding / LM head plus the layer
// stack. Dequantization happens lazily per layer; the container never holds
// the whole model in float32.
type Model struct {
	Config    Config
	Embedding *nf4.QuantizedTensor // [V, D], tied with the LM head
	Layers    []Layer

	Scan   ScanKernel
	Expert ExpertKernel

	acct   *tensor.Accountant
	logger *slog.Logger

	warnMu sync.Mutex
	warned map[string]bool
}

// SetLogger installs the structured logger used for kernel fallback warnings.
func (m *Model) SetLogger(l *slog.Logger) {
	m.logger = l
}

// Accountant returns the accountant the model registers weights against.
func (m *Model) Accountant() *tensor.Accountant {
	return m.acct
}

// warnOnce logs a missing-kernel warning a single time per operator.
func (m *Model) warnOnce(op string) {
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	if m.warned == nil {
		m.warned = make(map[string]bool)
	}
	if m.warned[op] {
		return
	}
	m.warned[op] = true
	if m.logger != nil {
		m.logger.Warn("kernel collaborator missing, using CPU fallback",
			"activity", "forward", "operator", op, "error", ErrMissingKernel.Error())
	}
}

// NewRandom builds a model with normally distributed master weights and
// quantizes them in place. Layer tensors quantize in parallel; the errgroup
// surfaces the first failure.
func NewRandom(cfg Config, seed int64, acct *tensor.Accountant, blockSize int, doubleQuant bool) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if blockSize == 0 {
		blockSize = nf4.DefaultBlockSize
	}

	rng := rand.New(rand.NewSource(seed))
	d := cfg.DModel
	dInner := cfg.DInner()
	dState := cfg.SSM.DState
	dtRank := cfg.SSM.DtRank

	m := &Model{
		Config: cfg,
		Layers: make([]Layer, cfg.NumLayers),
		acct:   acct,
	}

	quantize := func(dst **nf4.QuantizedTensor, std float32, shape ...int) func() error {
		// Master tensors are drawn up front so layer contents stay
		// deterministic regardless of goroutine interleaving.
		master := tensor.Randn(rng, std, shape...)
		return func() error {
			q, err := nf4.QuantizeTagged(acct, master, blockSize, doubleQuant)
			if err != nil {
				return err
			}
			*dst = q
			return nil
		}
	}

	var g errgroup.Group
	projStd := float32(1.0 / math.Sqrt(float64(d)))
	innerStd := float32(1.0 / math.Sqrt(float64(dInner)))

	g.Go(quantize(&m.Embedding, 0.02, cfg.VocabSize, d))

	for i := 0; i < cfg.NumLayers; i++ {
		switch KindAt(i) {
		case KindStateSpace:
			w := &SSMWeights{
				ALog:  tensor.NewTagged(acct, tensor.ModelWeights, dInner, dState),
				DSkip: tensor.NewTagged(acct, tensor.ModelWeights, dInner),
			}
			for j := range w.ALog.Data {
				// A = -exp(ALog); seed a mild decay spectrum.
				w.ALog.Data[j] = float32(math.Log(1 + rng.Float64()*float64(dState)))
			}
			for j := range w.DSkip.Data {
				w.DSkip.Data[j] = 1
			}
			g.Go(quantize(&w.InProj, projStd, d, 2*dInner))
			g.Go(quantize(&w.XProj, innerStd, dInner, dtRank+2*dState))
			g.Go(quantize(&w.DtProj, float32(1.0/math.Sqrt(float64(dtRank))), dtRank, dInner))
			g.Go(quantize(&w.OutProj, innerStd, dInner, d))
			m.Layers[i] = Layer{Kind: KindStateSpace, SSM: w}

		case KindMoE:
			w := &MoEWeights{
				W1: make([]*nf4.QuantizedTensor, cfg.MoE.NumExperts),
				W2: make([]*nf4.QuantizedTensor, cfg.MoE.NumExperts),
			}
			g.Go(quantize(&w.Router, projStd, d, cfg.MoE.NumExperts))
			for e := 0; e < cfg.MoE.NumExperts; e++ {
				g.Go(quantize(&w.W1[e], projStd, d, cfg.MoE.DFF))
				g.Go(quantize(&w.W2[e], float32(1.0/math.Sqrt(float64(cfg.MoE.DFF))), cfg.MoE.DFF, d))
			}
			m.Layers[i] = Layer{Kind: KindMoE, MoE: w}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("quantizing model weights: %w", err)
	}

	return m, nil
}

// Embed gathers dequantized embedding rows for the token ids, producing a
// [B, L, D] activation. The padding token yields the zero row.
func (m *Model) Embed(ids [][]int) (*tensor.Tensor, error) {
	batch := len(ids)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	seqLen := len(ids[0])
	d := m.Config.DModel

	// The working activation accounts as temporary: it lives only until the
	// next layer output replaces it. Saved cache entries register under
	// activations instead.
	out := tensor.NewTagged(m.acct, tensor.Temporary, batch, seqLen, d)
	row := make([]float32, d)

	for b := 0; b < batch; b++ {
		if len(ids[b]) != seqLen {
			return nil, fmt.Errorf("%w: ragged batch, row %d has %d tokens, want %d", ErrShapeMismatch, b, len(ids[b]), seqLen)
		}
		for t := 0; t < seqLen; t++ {
			id := ids[b][t]
			if id == PadTokenID {
				continue
			}
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("%w: token id %d outside vocab of %d", ErrShapeMismatch, id, m.Config.VocabSize)
			}
			m.Embedding.DequantizeRow(id, row)
			copy(out.Data[(b*seqLen+t)*d:(b*seqLen+t+1)*d], row)
		}
	}

	return out, nil
}

// ProjectToVocab multiplies hidden [B, L, D] by the transpose of the
// dequantized embedding, producing logits [B, L, V] through the tied head.
func (m *Model) ProjectToVocab(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	if len(hidden.Shape) != 3 || hidden.Shape[2] != m.Config.DModel {
		return nil, fmt.Errorf("%w: hidden shape %v, want [B,L,%d]", ErrShapeMismatch, hidden.Shape, m.Config.DModel)
	}

	batch, seqLen := hidden.Shape[0], hidden.Shape[1]
	embed := m.Embedding.Dequantize() // [V, D]
	flat := hidden.Reshape(batch*seqLen, m.Config.DModel)
	logits := tensor.MatMulTransposeB(flat, embed)
	return logits.Reshape(batch, seqLen, m.Config.VocabSize), nil
}

// HeadWeights returns the dequantized tied embedding [V, D] for the backward
// engine's hidden-gradient conversion.
func (m *Model) HeadWeights() *tensor.Tensor {
	return m.Embedding.Dequantize()
}

// ForwardLayer dispatches layer i on input [B, L, D], dequantizing that
// layer's weights on the fly. MoE layers additionally return their auxiliary
// load-balancing scalar.
func (m *Model) ForwardLayer(i int, x *tensor.Tensor, adapters *AdapterSet, cache ActivationStore, cachePres bool) (*tensor.Tensor, float32, error) {
	if i < 0 || i >= len(m.Layers) {
		return nil, 0, fmt.Errorf("%w: layer index %d of %d", ErrShapeMismatch, i, len(m.Layers))
	}

	layer := m.Layers[i]
	switch layer.Kind {
	case KindStateSpace:
		out, err := m.forwardSSM(i, layer.SSM, x, adapters, cache, cachePres)
		return out, 0, err
	case KindMoE:
		return m.forwardMoE(i, layer.MoE, x, adapters, cache, cachePres)
	}
	return nil, 0, fmt.Errorf("%w: unknown layer kind %v", ErrShapeMismatch, layer.Kind)
}
