// Package postproc builds the 256-entry contrast lookup table applied to
// every incoming pixel before it reaches the panel.
package postproc

import "math"

// LUT is an immutable 256-byte grayscale contrast table: LUT[i] is the
// post-processed output for input intensity i.
type LUT [256]byte

// Identity is the no-op table: every entry maps to its own index. Build
// returns an equal table (before the white cutoff) when contrastExp ==
// 1.0; the lookup itself still runs on every pixel.
var Identity = buildIdentity()

func buildIdentity() LUT {
	var lut LUT
	for i := range lut {
		lut[i] = byte(i)
	}
	return lut
}

// Build constructs the contrast/cutoff table from the three tunables
// exposed on the CLI: contrastExp bends the response curve around
// grayPoint, and any resulting value above whiteCutoff is snapped to
// pure white (255). All arithmetic happens in float32, matching the
// reference implementation, then truncates to byte.
func Build(contrastExp, grayPoint float32, whiteCutoff byte) LUT {
	var lut LUT
	if contrastExp == 1.0 {
		lut = buildIdentity()
	} else {
		remGray := 255.0 - grayPoint
		invExponent := 1.0 / contrastExp
		for i := range lut {
			raw := float32(i)
			var out float32
			switch {
			case raw < grayPoint:
				out = grayPoint * float32(math.Pow(float64(raw/grayPoint), float64(contrastExp)))
			case raw > grayPoint:
				out = grayPoint + remGray*float32(math.Pow(float64((raw-grayPoint)/remGray), float64(invExponent)))
			default:
				out = grayPoint
			}
			lut[i] = byte(out)
		}
	}

	for i := range lut {
		if lut[i] > whiteCutoff {
			lut[i] = 255
		}
	}
	return lut
}
