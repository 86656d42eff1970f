// Package imgdiff decides whether two screenshots differ enough to be worth
// re-analyzing. The pixel comparison follows pixelmatch: a perceptual YIQ
// colour delta with a small tolerance, and anti-aliased pixels ignored.
package imgdiff

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // Register JPEG decoder.
	_ "image/png"  // Register PNG decoder.
	"math"
)

const (
	// DefaultThreshold is the changed-pixel ratio above which two images differ
	DefaultThreshold = 0.005
	// DefaultTolerance is the per-pixel colour tolerance in [0,1]
	DefaultTolerance = 0.1

	// maxYIQDelta is the largest possible YIQ distance between two colours
	maxYIQDelta = 35215.0
)

// Options tunes a comparison. Zero values take the defaults.
type Options struct {
	Threshold float64
	Tolerance float64
	// IncludeAA counts anti-aliased pixels as different
	IncludeAA bool
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Result describes a comparison
type Result struct {
	DimensionsMatch bool    `json:"dimensions_match"`
	DiffPixels      int     `json:"diff_pixels"`
	TotalPixels     int     `json:"total_pixels"`
	Ratio           float64 `json:"ratio"`
	Changed         bool    `json:"changed"`
}

// Compare decodes a and b and counts the pixels that differ. Images of
// different sizes are changed without a pixel comparison.
func Compare(a, b []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if bytes.Equal(a, b) {
		return &Result{DimensionsMatch: true}, nil
	}

	imgA, err := decode(a)
	if err != nil {
		return nil, fmt.Errorf("decode first image: %w", err)
	}
	imgB, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode second image: %w", err)
	}

	w, h := imgA.Rect.Dx(), imgA.Rect.Dy()
	if w != imgB.Rect.Dx() || h != imgB.Rect.Dy() {
		return &Result{Changed: true}, nil
	}

	total := w * h
	res := &Result{DimensionsMatch: true, TotalPixels: total}
	if total == 0 {
		return res, nil
	}

	maxDelta := maxYIQDelta * opts.Tolerance * opts.Tolerance
	pa, pb := imgA.Pix, imgB.Pix

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos := (y*w + x) * 4
			delta := colorDelta(pa, pb, pos, pos, false)
			if math.Abs(delta) <= maxDelta {
				continue
			}
			if !opts.IncludeAA && (antialiased(pa, x, y, w, h, pb) || antialiased(pb, x, y, w, h, pa)) {
				continue
			}
			res.DiffPixels++
		}
	}

	res.Ratio = float64(res.DiffPixels) / float64(total)
	res.Changed = res.Ratio > opts.Threshold
	return res, nil
}

// Changed reports whether the share of differing pixels exceeds threshold
func Changed(a, b []byte, threshold float64) (bool, error) {
	res, err := Compare(a, b, Options{Threshold: threshold})
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// decode returns the image as tightly packed non-premultiplied RGBA
func decode(data []byte) (*image.NRGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n, nil
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// antialiased reports whether the pixel at (x1, y1) in img looks like an
// anti-aliased edge, checking img2 for the same structure
func antialiased(img []byte, x1, y1, width, height int, img2 []byte) bool {
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, width-1)
	y2 := min(y1+1, height-1)
	pos := (y1*width + x1) * 4

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}

	var minD, maxD float64
	var minX, minY, maxX, maxY int

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			delta := colorDelta(img, img, pos, (y*width+x)*4, true)
			switch {
			case delta == 0:
				zeroes++
				if zeroes > 2 {
					return false
				}
			case delta < minD:
				minD, minX, minY = delta, x, y
			case delta > maxD:
				maxD, maxX, maxY = delta, x, y
			}
		}
	}

	// no darker and brighter neighbours at the same time: not an edge
	if minD == 0 || maxD == 0 {
		return false
	}

	return (hasManySiblings(img, minX, minY, width, height) && hasManySiblings(img2, minX, minY, width, height)) ||
		(hasManySiblings(img, maxX, maxY, width, height) && hasManySiblings(img2, maxX, maxY, width, height))
}

// hasManySiblings reports whether at least three neighbours share the exact
// colour of the pixel at (x1, y1)
func hasManySiblings(img []byte, x1, y1, width, height int) bool {
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, width-1)
	y2 := min(y1+1, height-1)
	pos := (y1*width + x1) * 4

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			pos2 := (y*width + x) * 4
			if img[pos] == img[pos2] && img[pos+1] == img[pos2+1] && img[pos+2] == img[pos2+2] && img[pos+3] == img[pos2+3] {
				zeroes++
			}
			if zeroes > 2 {
				return true
			}
		}
	}
	return false
}

// colorDelta is the squared YIQ distance between two pixels, negative when
// the first is brighter. yOnly returns the signed brightness difference.
func colorDelta(img1, img2 []byte, k, m int, yOnly bool) float64 {
	r1, g1, b1, a1 := float64(img1[k]), float64(img1[k+1]), float64(img1[k+2]), float64(img1[k+3])
	r2, g2, b2, a2 := float64(img2[m]), float64(img2[m+1]), float64(img2[m+2]), float64(img2[m+3])

	if r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2 {
		return 0
	}

	if a1 < 255 {
		a1 /= 255
		r1, g1, b1 = blend(r1, a1), blend(g1, a1), blend(b1, a1)
	}
	if a2 < 255 {
		a2 /= 255
		r2, g2, b2 = blend(r2, a2), blend(g2, a2), blend(b2, a2)
	}

	y1 := rgb2y(r1, g1, b1)
	y2 := rgb2y(r2, g2, b2)
	y := y1 - y2
	if yOnly {
		return y
	}

	i := rgb2i(r1, g1, b1) - rgb2i(r2, g2, b2)
	q := rgb2q(r1, g1, b1) - rgb2q(r2, g2, b2)
	delta := 0.5053*y*y + 0.299*i*i + 0.1957*q*q
	if y1 > y2 {
		return -delta
	}
	return delta
}

// blend composites a channel over a white background
func blend(c, a float64) float64 {
	return 255 + (c-255)*a
}

func rgb2y(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgb2i(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgb2q(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }
