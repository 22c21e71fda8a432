package dataset

import (
	"context"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func TestComputeStatsNormalizesTrainSet(t *testing.T) {
	split := synthSplit(t, 64, 11)
	st, err := ComputeStats(split)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	loader, err := NewLoader(split, st, LoaderOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	batches, err := loader.All(context.Background(), 1)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	plane := ImageSize * ImageSize
	var channels [Channels][]float64
	for _, b := range batches {
		for k := 0; k < b.Len(); k++ {
			sample := b.Images.Sample(k)
			for c := 0; c < Channels; c++ {
				for _, v := range sample[c*plane : (c+1)*plane] {
					channels[c] = append(channels[c], float64(v))
				}
			}
		}
	}
	for c := 0; c < Channels; c++ {
		mean, std := stat.PopMeanStdDev(channels[c], nil)
		if math.Abs(mean) > 1e-4 || math.Abs(std-1) > 1e-4 {
			t.Fatalf("channel %d: mean %g std %g", c, mean, std)
		}
	}
}

func TestComputeStatsRejectsConstantChannel(t *testing.T) {
	split, err := NewSplit("flat", make([]uint8, 2*ImageBytes), []uint8{0, 1})
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}
	if _, err := ComputeStats(split); err == nil {
		t.Fatal("expected error for zero variance")
	}
}

func TestMirror(t *testing.T) {
	cases := map[int]int{-4: 4, -1: 1, 0: 0, 31: 31, 32: 30, 35: 27}
	for in, want := range cases {
		if got := mirror(in, ImageSize); got != want {
			t.Fatalf("mirror(%d)=%d want %d", in, got, want)
		}
	}
}

func TestWriteSampleTransforms(t *testing.T) {
	img := make([]uint8, ImageBytes)
	for i := range img {
		img[i] = uint8(i % 251)
	}
	identity := Stats{Mean: [3]float64{0, 0, 0}, Std: [3]float64{1.0 / 255, 1.0 / 255, 1.0 / 255}}
	at := func(dst []float32, c, y, x int) float32 {
		return dst[c*ImageSize*ImageSize+y*ImageSize+x]
	}
	src := func(c, y, x int) float32 {
		return float32(img[c*ImageSize*ImageSize+y*ImageSize+x])
	}

	dst := make([]float32, ImageBytes)
	writeSample(dst, img, identity, Augment{})
	for c := 0; c < Channels; c++ {
		if at(dst, c, 5, 7) != src(c, 5, 7) {
			t.Fatalf("identity transform changed pixel (%d,5,7)", c)
		}
	}

	writeSample(dst, img, identity, Augment{Flip: true})
	if at(dst, 1, 3, 0) != src(1, 3, 31) || at(dst, 1, 3, 31) != src(1, 3, 0) {
		t.Fatal("flip did not mirror columns")
	}

	writeSample(dst, img, identity, Augment{DY: -2, DX: 3})
	if at(dst, 0, 0, 0) != src(0, 2, 3) {
		t.Fatal("crop above the top edge should reflect")
	}
	if at(dst, 0, 10, 30) != src(0, 8, 29) {
		t.Fatal("crop past the right edge should reflect")
	}
}

func TestLoaderTestPipelineKeepsOrder(t *testing.T) {
	split := synthSplit(t, 25, 12)
	st, err := ComputeStats(split)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	loader, err := NewLoader(split, st, LoaderOptions{BatchSize: 10, Prefetch: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if loader.Len() != 3 {
		t.Fatalf("expected 3 batches, got %d", loader.Len())
	}
	batches, err := loader.All(context.Background(), 1)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	sizes := []int{10, 10, 5}
	next := 0
	for i, b := range batches {
		if b.Len() != sizes[i] || b.Images.Dim(0) != sizes[i] {
			t.Fatalf("batch %d has %d samples, want %d", i, b.Len(), sizes[i])
		}
		for _, l := range b.Labels {
			if l != split.Label(next) {
				t.Fatalf("sample %d out of order", next)
			}
			next++
		}
	}

	again, err := loader.All(context.Background(), 2)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if !reflect.DeepEqual(batches, again) {
		t.Fatal("unaugmented, unshuffled pipeline changed between epochs")
	}
}

func TestLoaderTrainPipelineShufflesEveryEpoch(t *testing.T) {
	split := synthSplit(t, 40, 13)
	st, err := ComputeStats(split)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	opts := LoaderOptions{BatchSize: 8, Shuffle: true, Augment: true, Seed: 5}
	loader, err := NewLoader(split, st, opts)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	labelsOf := func(epoch int) []int {
		batches, err := loader.All(context.Background(), epoch)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		var labels []int
		for _, b := range batches {
			labels = append(labels, b.Labels...)
		}
		return labels
	}

	first := labelsOf(1)
	counts := make([]int, NumClasses)
	for _, l := range first {
		counts[l]++
	}
	for c, n := range counts {
		if n != 4 {
			t.Fatalf("class %d seen %d times in one epoch, want 4", c, n)
		}
	}
	if reflect.DeepEqual(first, labelsOf(2)) {
		t.Fatal("sample order did not change between epochs")
	}

	other, err := NewLoader(split, st, opts)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	a, _ := loader.All(context.Background(), 3)
	b, _ := other.All(context.Background(), 3)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed and epoch produced different batches")
	}
}

func TestLoaderStopsOnCancel(t *testing.T) {
	split := synthSplit(t, 30, 14)
	st, _ := ComputeStats(split)
	loader, err := NewLoader(split, st, LoaderOptions{BatchSize: 1})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := loader.Epoch(ctx, 1)
	<-batches
	cancel()
	for range batches {
	}
	if err := <-errs; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBatchesPerEpoch(t *testing.T) {
	cases := []struct{ n, bs, want int }{
		{50000, 100, 500},
		{10000, 100, 100},
		{25, 10, 3},
		{10, 0, 0},
	}
	for _, tc := range cases {
		if got := BatchesPerEpoch(tc.n, tc.bs); got != tc.want {
			t.Fatalf("BatchesPerEpoch(%d, %d)=%d want %d", tc.n, tc.bs, got, tc.want)
		}
	}
}

func TestNewLoaderValidates(t *testing.T) {
	split := synthSplit(t, 4, 15)
	st, _ := ComputeStats(split)
	if _, err := NewLoader(split, st, LoaderOptions{BatchSize: 0}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	if _, err := NewLoader(split, Stats{}, LoaderOptions{BatchSize: 2}); err == nil {
		t.Fatal("expected error for zero std")
	}
}
