package nanoqlora

import (
	"fmt"
	"math/rand"
)

// Batch is one training batch of token ids. The attention mask is 1 for real
// tokens and 0 for padding.
type Batch struct {
	InputIDs      [][]int
	TargetIDs     [][]int
	AttentionMask [][]int
}

// Tokens returns the number of non-padding input positions.
func (b *Batch) Tokens() int {
	n := 0
	for _, row := range b.AttentionMask {
		for _, m := range row {
			n += m
		}
	}
	return n
}

// DataSource yields batches for the training loop. NextBatch returns
// (nil, nil) when the source is exhausted.
type DataSource interface {
	NextBatch() (*Batch, error)
}

// DataConfig carries the batching tunables.
type DataConfig struct {
	BatchSize  int
	SeqLength  int
	VocabSize  int
	Shuffle    bool
	NumWorkers int
}

// Validate checks the batching configuration.
func (c DataConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.SeqLength <= 0 {
		return fmt.Errorf("seq_length must be positive, got %d", c.SeqLength)
	}
	if c.VocabSize <= 1 {
		return fmt.Errorf("vocab_size must exceed 1, got %d", c.VocabSize)
	}
	return nil
}

// SyntheticDataSource produces an endless stream of seeded random token
// sequences with next-token targets. Token ids avoid the padding id so every
// position is valid.
type SyntheticDataSource struct {
	cfg DataConfig
	rng *rand.Rand
}

// NewSyntheticDataSource creates a reproducible synthetic source.
func NewSyntheticDataSource(cfg DataConfig, seed int64) (*SyntheticDataSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SyntheticDataSource{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// NextBatch returns the next synthetic batch. The target at position t is the
// input at position t+1; the final position targets a fresh token.
func (s *SyntheticDataSource) NextBatch() (*Batch, error) {
	b := &Batch{
		InputIDs:      make([][]int, s.cfg.BatchSize),
		TargetIDs:     make([][]int, s.cfg.BatchSize),
		AttentionMask: make([][]int, s.cfg.BatchSize),
	}

	for i := 0; i < s.cfg.BatchSize; i++ {
		ids := make([]int, s.cfg.SeqLength+1)
		for j := range ids {
			ids[j] = 1 + s.rng.Intn(s.cfg.VocabSize-1)
		}

		b.InputIDs[i] = ids[:s.cfg.SeqLength]
		b.TargetIDs[i] = ids[1 : s.cfg.SeqLength+1]

		mask := make([]int, s.cfg.SeqLength)
		for j := range mask {
			mask[j] = 1
		}
		b.AttentionMask[i] = mask
	}

	return b, nil
}
