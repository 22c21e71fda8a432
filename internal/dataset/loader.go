package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// Batch is a group of normalized images, shaped (N, 3, 32, 32), and their labels.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Labels) }

// LoaderOptions configures a batch pipeline over one split.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool // new sample order every epoch
	Augment   bool // random reflect-pad crop and horizontal flip
	Seed      int64
	Prefetch  int // batches assembled ahead of the consumer
}

// Loader turns a split into a stream of batches, one pass per epoch.
type Loader struct {
	split *Split
	stats Stats
	opts  LoaderOptions
}

// NewLoader builds a pipeline that normalizes with st.
func NewLoader(split *Split, st Stats, opts LoaderOptions) (*Loader, error) {
	if split == nil || split.Len() == 0 {
		return nil, errors.New("loader: empty split")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	for c := 0; c < Channels; c++ {
		if st.Std[c] <= 0 {
			return nil, errors.Errorf("loader: channel %d has non-positive std %v", c, st.Std[c])
		}
	}
	return &Loader{split: split, stats: st, opts: opts}, nil
}

// BatchesPerEpoch is the number of batches one pass over n samples yields;
// the last batch holds the remainder when n is not a multiple of batchSize.
func BatchesPerEpoch(n, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (n + batchSize - 1) / batchSize
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return BatchesPerEpoch(l.split.Len(), l.opts.BatchSize)
}

// NumSamples returns the size of the underlying split.
func (l *Loader) NumSamples() int { return l.split.Len() }

// Split returns the underlying split.
func (l *Loader) Split() *Split { return l.split }

// Epoch streams one pass over the split. The sample order and augmentations
// depend only on the seed and the epoch number. The batch channel is closed
// at the end of the pass; the error channel then yields ctx.Err() if the
// pass was cut short and is closed.
func (l *Loader) Epoch(ctx context.Context, epoch int) (<-chan Batch, <-chan error) {
	out := make(chan Batch, l.opts.Prefetch)
	errCh := make(chan error, 1)

	n := l.split.Len()
	rng := rand.New(rand.NewSource(l.opts.Seed*1_000_003 + int64(epoch)))
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var augs []Augment
	if l.opts.Augment {
		augs = make([]Augment, n)
		for i := range augs {
			augs[i] = randomAugment(rng)
		}
	}

	go func() {
		defer close(errCh)
		defer close(out)
		for start := 0; start < n; start += l.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			end := start + l.opts.BatchSize
			if end > n {
				end = n
			}
			batch := l.assemble(order[start:end], augs, start)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()

	return out, errCh
}

func (l *Loader) assemble(idx []int, augs []Augment, offset int) Batch {
	images := tensor.Zeros(len(idx), Channels, ImageSize, ImageSize)
	labels := make([]int, len(idx))
	for k, i := range idx {
		var aug Augment
		if augs != nil {
			aug = augs[offset+k]
		}
		writeSample(images.Sample(k), l.split.Image(i), l.stats, aug)
		labels[k] = l.split.Label(i)
	}
	return Batch{Images: images, Labels: labels}
}

// All drains one epoch into memory; meant for small splits and tests.
func (l *Loader) All(ctx context.Context, epoch int) ([]Batch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := l.Epoch(ctx, epoch)
	var out []Batch
	for b := range batches {
		out = append(out, b)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}
