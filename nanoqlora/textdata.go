package nanoqlora

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/daulet/tokenizers"
)

// TextDataSource tokenizes a raw text corpus with a HuggingFace
// tokenizer.json and serves fixed-length next-token-prediction windows.
// One pass over the windows is one epoch; NextBatch returns (nil, nil) at
// epoch end, after which Reset starts the next pass.
type TextDataSource struct {
	cfg    DataConfig
	tokens []int
	order  []int
	cursor int
	rng    *rand.Rand
}

// NewTextDataSource reads and tokenizes the corpus up front. The tokenizer is
// closed before returning; only the token stream is retained.
func NewTextDataSource(corpusPath, tokenizerPath string, cfg DataConfig, seed int64) (*TextDataSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	text, err := os.ReadFile(corpusPath)
	if err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	defer tk.Close()

	ids, _ := tk.Encode(string(text), false)
	if len(ids) < cfg.SeqLength+1 {
		return nil, fmt.Errorf("corpus too short: %d tokens for seq_length %d", len(ids), cfg.SeqLength)
	}

	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}

	s := &TextDataSource{
		cfg:    cfg,
		tokens: tokens,
		rng:    rand.New(rand.NewSource(seed)),
	}
	s.Reset()
	return s, nil
}

// NumWindows returns the number of training windows in one epoch.
func (s *TextDataSource) NumWindows() int {
	return (len(s.tokens) - 1) / s.cfg.SeqLength
}

// Reset rewinds the source and reshuffles the window order when configured.
func (s *TextDataSource) Reset() {
	n := s.NumWindows()
	s.order = make([]int, n)
	for i := range s.order {
		s.order[i] = i
	}
	if s.cfg.Shuffle {
		s.rng.Shuffle(n, func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.cursor = 0
}

// NextBatch returns the next batch of windows, or (nil, nil) at epoch end.
// A trailing partial batch is padded with the padding token, which the loss
// masks out.
func (s *TextDataSource) NextBatch() (*Batch, error) {
	if s.cursor >= len(s.order) {
		return nil, nil
	}

	b := &Batch{
		InputIDs:      make([][]int, s.cfg.BatchSize),
		TargetIDs:     make([][]int, s.cfg.BatchSize),
		AttentionMask: make([][]int, s.cfg.BatchSize),
	}

	for i := 0; i < s.cfg.BatchSize; i++ {
		input := make([]int, s.cfg.SeqLength)
		target := make([]int, s.cfg.SeqLength)
		mask := make([]int, s.cfg.SeqLength)

		if s.cursor < len(s.order) {
			start := s.order[s.cursor] * s.cfg.SeqLength
			s.cursor++
			for j := 0; j < s.cfg.SeqLength; j++ {
				input[j] = s.tokens[start+j]
				target[j] = s.tokens[start+j+1]
				mask[j] = 1
			}
		}

		b.InputIDs[i] = input
		b.TargetIDs[i] = target
		b.AttentionMask[i] = mask
	}

	return b, nil
}
