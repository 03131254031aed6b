package checkpoint

import (
	"fmt"
	"math"

	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/tensor"
)

const (
	posEmbedKey = "pos_embed"
	cubicA      = -0.75
)

// InterpolatePosEmbed resizes sd["pos_embed"] from the checkpoint's square
// patch grid to one of numPatches positions. The first numExtraTokens rows
// (class and distillation tokens) are kept as they are; the grid is resampled
// bicubically with half-pixel centers. It reports whether the entry changed.
// A checkpoint without pos_embed is left alone and logged as a warning.
func InterpolatePosEmbed(sd StateDict, numPatches, numExtraTokens int, log logger.Logger) (bool, error) {
	pe, ok := sd[posEmbedKey]
	if !ok {
		log.Warn("checkpoint has no position embedding", "key", posEmbedKey, "patches", numPatches)
		return false, nil
	}
	if len(pe.Shape) != 3 || pe.Shape[0] != 1 || pe.DType != tensor.Float32 {
		return false, fmt.Errorf("%w: pos_embed has shape %v", ErrInvalidCheckpoint, pe.Shape)
	}
	tokens, dim := pe.Shape[1], pe.Shape[2]
	origSize := int(math.Sqrt(float64(tokens - numExtraTokens)))
	newSize := int(math.Sqrt(float64(numPatches)))
	if origSize*origSize != tokens-numExtraTokens || newSize*newSize != numPatches {
		return false, fmt.Errorf("%w: pos_embed with %d tokens cannot map to %d patches", ErrInvalidCheckpoint, tokens, numPatches)
	}
	if origSize == newSize {
		return false, nil
	}

	out := make([]float32, (numExtraTokens+numPatches)*dim)
	copy(out, pe.F32[:numExtraTokens*dim])
	grid := pe.F32[numExtraTokens*dim:]
	dst := out[numExtraTokens*dim:]

	ys := cubicTaps(origSize, newSize)
	xs := cubicTaps(origSize, newSize)
	for oy := range newSize {
		for ox := range newSize {
			o := dst[(oy*newSize+ox)*dim : (oy*newSize+ox+1)*dim]
			for i := range 4 {
				wy := ys[oy].w[i]
				for j := range 4 {
					w := float32(wy * xs[ox].w[j])
					src := (ys[oy].idx[i]*origSize + xs[ox].idx[j]) * dim
					row := grid[src : src+dim]
					for c := range o {
						o[c] += w * row[c]
					}
				}
			}
		}
	}
	sd[posEmbedKey] = tensor.FromFloat32([]int{1, numExtraTokens + numPatches, dim}, out)
	return true, nil
}

type taps struct {
	idx [4]int
	w   [4]float64
}

// cubicTaps computes, for each output position, the four clamped source
// indices and their cubic convolution weights.
func cubicTaps(in, out int) []taps {
	scale := float64(in) / float64(out)
	res := make([]taps, out)
	for o := range out {
		src := (float64(o)+0.5)*scale - 0.5
		base := math.Floor(src)
		t := src - base
		res[o].w = [4]float64{
			cubicFar(t + 1),
			cubicNear(t),
			cubicNear(1 - t),
			cubicFar(2 - t),
		}
		for k := range 4 {
			res[o].idx[k] = min(max(int(base)-1+k, 0), in-1)
		}
	}
	return res
}

func cubicNear(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

func cubicFar(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}
