package dataset

import "golang.org/x/exp/rand"

// Batches iterates over minibatches of time-step indices. When Shuffle is
// set the order is re-permuted on every Reset; otherwise the natural order
// is kept.
type Batches struct {
	BatchSize int
	Shuffle   bool

	n    int
	perm []int
	cur  int
	rng  *rand.Rand
}

// NewBatches creates a sampler over n time-steps. rng may be nil when
// Shuffle is false.
func NewBatches(n, batchSize int, shuffle bool, rng *rand.Rand) *Batches {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batches{
		BatchSize: batchSize,
		Shuffle:   shuffle,
		n:         n,
		rng:       rng,
	}
	b.perm = make([]int, n)
	for i := range b.perm {
		b.perm[i] = i
	}
	return b
}

// NumBatches returns the number of minibatches per epoch.
func (b *Batches) NumBatches() int {
	return (b.n + b.BatchSize - 1) / b.BatchSize
}

// Reset rewinds the sampler and, when shuffling, draws a new order.
func (b *Batches) Reset() {
	b.cur = 0
	if b.Shuffle {
		b.rng.Shuffle(len(b.perm), func(i, j int) {
			b.perm[i], b.perm[j] = b.perm[j], b.perm[i]
		})
	}
}

// Next returns the next minibatch of time-step indices, or nil at the end
// of the epoch. The returned slice is only valid until the next call.
func (b *Batches) Next() []int {
	if b.cur >= b.n {
		return nil
	}
	end := b.cur + b.BatchSize
	if end > b.n {
		end = b.n
	}
	batch := b.perm[b.cur:end]
	b.cur = end
	return batch
}
