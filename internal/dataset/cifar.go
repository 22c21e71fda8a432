// Package dataset loads the CIFAR-10 binary distribution and turns its splits
// into normalized, optionally augmented batch streams.
package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	ImageSize  = 32
	Channels   = 3
	NumClasses = 10
	// ImageBytes is the size of one channel-planar RGB image.
	ImageBytes  = Channels * ImageSize * ImageSize
	recordBytes = 1 + ImageBytes

	TestFile = "test_batch.bin"
)

// ClassNames lists the CIFAR-10 classes in label order.
var ClassNames = []string{"plane", "car", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

var (
	// ErrMissingFile reports a dataset file that could not be found.
	ErrMissingFile = errors.New("dataset: missing file")
	// ErrCorrupt reports a file that does not hold whole, valid records.
	ErrCorrupt = errors.New("dataset: corrupt data")
)

// Split is an immutable, ordered set of labelled images. Images are stored
// back to back, each as 1024 red, 1024 green and 1024 blue bytes.
type Split struct {
	Name   string
	images []uint8
	labels []uint8
}

// NewSplit validates and wraps raw image bytes and labels.
func NewSplit(name string, images, labels []uint8) (*Split, error) {
	if len(images) != len(labels)*ImageBytes {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %d image bytes for %d labels", name, len(images), len(labels))
	}
	for i, l := range labels {
		if int(l) >= NumClasses {
			return nil, errors.Wrapf(ErrCorrupt, "%s: sample %d has label %d", name, i, l)
		}
	}
	return &Split{Name: name, images: images, labels: labels}, nil
}

// Len returns the number of samples.
func (s *Split) Len() int { return len(s.labels) }

// Image returns the pixels of sample i. Callers must not modify them.
func (s *Split) Image(i int) []uint8 {
	return s.images[i*ImageBytes : (i+1)*ImageBytes]
}

// Label returns the class of sample i.
func (s *Split) Label(i int) int { return int(s.labels[i]) }

// ClassCounts returns the number of samples per class.
func (s *Split) ClassCounts() []int {
	counts := make([]int, NumClasses)
	for _, l := range s.labels {
		counts[l]++
	}
	return counts
}

// decodeRecords splits a CIFAR-10 batch file into image bytes and labels.
func decodeRecords(name string, raw []byte) (images, labels []uint8, err error) {
	if len(raw) == 0 || len(raw)%recordBytes != 0 {
		return nil, nil, errors.Wrapf(ErrCorrupt, "%s: %d bytes is not a whole number of %d byte records", name, len(raw), recordBytes)
	}
	n := len(raw) / recordBytes
	images = make([]uint8, 0, n*ImageBytes)
	labels = make([]uint8, n)
	for i := 0; i < n; i++ {
		rec := raw[i*recordBytes : (i+1)*recordBytes]
		labels[i] = rec[0]
		images = append(images, rec[1:]...)
	}
	return images, labels, nil
}

// readFiles concatenates the records of every file, in order, into a split.
func readFiles(ctx context.Context, name string, paths []string) (*Split, error) {
	var images, labels []uint8
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrap(ErrMissingFile, path)
			}
			return nil, errors.Wrapf(err, "open %s", path)
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		img, lbl, err := decodeRecords(filepath.Base(path), raw)
		if err != nil {
			return nil, err
		}
		images = append(images, img...)
		labels = append(labels, lbl...)
	}
	return NewSplit(name, images, labels)
}

// LoadDir reads the train and test splits from an extracted
// cifar-10-batches-bin directory.
func LoadDir(ctx context.Context, dir string) (train, test *Split, err error) {
	trainFiles, err := DiscoverBatches(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(trainFiles) == 0 {
		return nil, nil, errors.Wrapf(ErrMissingFile, "no data_batch_*.bin under %s", dir)
	}
	if train, err = readFiles(ctx, "train", trainFiles); err != nil {
		return nil, nil, err
	}
	if test, err = readFiles(ctx, "test", []string{filepath.Join(dir, TestFile)}); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
