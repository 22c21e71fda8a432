package dataset

import "math/rand"

// Pad is the reflection padding applied before random cropping.
const Pad = 4

// Augment describes the random transform of one sample: the crop window is
// shifted by (DY, DX) within the reflection-padded image, then optionally
// mirrored left-right. The zero value is the identity.
type Augment struct {
	DY, DX int
	Flip   bool
}

// randomAugment draws a crop offset uniformly from [-Pad, Pad] on each axis
// and a flip with probability 0.5.
func randomAugment(rng *rand.Rand) Augment {
	return Augment{
		DY:   rng.Intn(2*Pad+1) - Pad,
		DX:   rng.Intn(2*Pad+1) - Pad,
		Flip: rng.Intn(2) == 1,
	}
}

// mirror maps an index that fell off either edge back inside [0, n) by
// mirroring about the edge pixel, which itself is not repeated.
func mirror(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// writeSample transforms and normalizes img into dst (3x32x32, channel-planar).
func writeSample(dst []float32, img []uint8, st Stats, aug Augment) {
	const plane = ImageSize * ImageSize
	for c := 0; c < Channels; c++ {
		scale := float32(1 / (255 * st.Std[c]))
		shift := float32(-st.Mean[c] / st.Std[c])
		src := img[c*plane : (c+1)*plane]
		out := dst[c*plane : (c+1)*plane]
		for y := 0; y < ImageSize; y++ {
			sy := mirror(y+aug.DY, ImageSize)
			for x := 0; x < ImageSize; x++ {
				cx := x
				if aug.Flip {
					cx = ImageSize - 1 - x
				}
				sx := mirror(cx+aug.DX, ImageSize)
				out[y*ImageSize+x] = float32(src[sy*ImageSize+sx])*scale + shift
			}
		}
	}
}
