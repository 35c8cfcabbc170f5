// Package feature computes the perceptual feature vectors rep0st indexes
// and drives the batch worker that keeps the index filled.
package feature

import (
	"math"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/media"
)

// The frame is pooled down to gridSize x gridSize cells.
const gridSize = 6

// MaxDistance is the largest possible L2 distance between two feature
// vectors. Similarity scores are normalized with it into [0,1].
var MaxDistance = float32(math.Sqrt(float64(domain.FeatureDim)))

// Extract computes the feature vector of a frame. The frame is normalized
// to [0,1], pooled to 6x6 with area interpolation and converted to HSV.
// The result is the flattened [H0..H35, S0..S35, V0..V35]. Hue keeps the
// legacy /1020 quantization so new vectors stay comparable with vectors
// already in the index.
func Extract(f media.Frame) []float32 {
	norm := make([]float32, len(f.Pix))
	for i, p := range f.Pix {
		norm[i] = float32(p) / 255
	}
	small := resizeArea(norm, f.W, f.H, gridSize, gridSize)

	const cells = gridSize * gridSize
	vec := make([]float32, domain.FeatureDim)
	for i := 0; i < cells; i++ {
		h, s, v := bgrToHSV(small[i*3], small[i*3+1], small[i*3+2])
		vec[i] = h / 1020
		vec[cells+i] = s
		vec[2*cells+i] = v
	}
	return vec
}

// bgrToHSV converts one float BGR pixel to HSV with H in [0,360] and
// S, V in [0,1], matching the float conversion of common vision
// libraries: V is the channel maximum, S the normalized chroma, H the
// hue angle with 0 for grey pixels.
func bgrToHSV(b, g, r float32) (h, s, v float32) {
	v = r
	if g > v {
		v = g
	}
	if b > v {
		v = b
	}
	min := r
	if g < min {
		min = g
	}
	if b < min {
		min = b
	}
	delta := v - min

	if v != 0 {
		s = delta / v
	}
	if delta == 0 {
		return 0, s, v
	}
	switch v {
	case r:
		h = 60 * (g - b) / delta
	case g:
		h = 120 + 60*(b-r)/delta
	default:
		h = 240 + 60*(r-g)/delta
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// resizeArea scales a packed 3-channel float image with area
// interpolation. Every destination cell averages the source pixels it
// covers, weighting partially covered rows and columns by their overlap.
func resizeArea(src []float32, srcW, srcH, dstW, dstH int) []float32 {
	dst := make([]float32, dstW*dstH*3)
	scaleX := float64(srcW) / float64(dstW)
	scaleY := float64(srcH) / float64(dstH)

	for dy := 0; dy < dstH; dy++ {
		y0 := float64(dy) * scaleY
		y1 := math.Min(float64(dy+1)*scaleY, float64(srcH))
		for dx := 0; dx < dstW; dx++ {
			x0 := float64(dx) * scaleX
			x1 := math.Min(float64(dx+1)*scaleX, float64(srcW))

			var sumB, sumG, sumR, area float64
			for sy := int(y0); sy < srcH && float64(sy) < y1; sy++ {
				wy := math.Min(float64(sy+1), y1) - math.Max(float64(sy), y0)
				if wy <= 0 {
					continue
				}
				for sx := int(x0); sx < srcW && float64(sx) < x1; sx++ {
					wx := math.Min(float64(sx+1), x1) - math.Max(float64(sx), x0)
					if wx <= 0 {
						continue
					}
					w := wx * wy
					idx := (sy*srcW + sx) * 3
					sumB += float64(src[idx]) * w
					sumG += float64(src[idx+1]) * w
					sumR += float64(src[idx+2]) * w
					area += w
				}
			}

			di := (dy*dstW + dx) * 3
			if area > 0 {
				dst[di] = float32(sumB / area)
				dst[di+1] = float32(sumG / area)
				dst[di+2] = float32(sumR / area)
			}
		}
	}
	return dst
}
