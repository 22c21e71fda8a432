package dataset

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Stats holds per-channel mean and standard deviation of pixel intensities
// scaled to [0, 1].
type Stats struct {
	Mean [Channels]float64
	Std  [Channels]float64
}

// ComputeStats measures the per-channel mean and population standard
// deviation over every pixel of s.
func ComputeStats(s *Split) (Stats, error) {
	var st Stats
	if s.Len() == 0 {
		return st, errors.Errorf("stats: split %q is empty", s.Name)
	}
	plane := ImageSize * ImageSize
	buf := make([]float64, plane)
	var sum, sq [Channels]float64
	for i := 0; i < s.Len(); i++ {
		img := s.Image(i)
		for c := 0; c < Channels; c++ {
			for j, p := range img[c*plane : (c+1)*plane] {
				buf[j] = float64(p) / 255
			}
			sum[c] += floats.Sum(buf)
			sq[c] += floats.Dot(buf, buf)
		}
	}
	n := float64(s.Len() * plane)
	for c := 0; c < Channels; c++ {
		mean := sum[c] / n
		variance := sq[c]/n - mean*mean
		if variance <= 0 {
			return st, errors.Errorf("stats: channel %d of split %q has no variance", c, s.Name)
		}
		st.Mean[c] = mean
		st.Std[c] = math.Sqrt(variance)
	}
	return st, nil
}
