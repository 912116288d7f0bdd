package action

import "math"

// NormalizedMax is the upper bound of the model's coordinate space.
const NormalizedMax = 1000

// Mapper converts model-normalized coordinates to screen pixels.
// Calibration offsets are applied after scaling, before clamping.
type Mapper struct {
	OffsetX int
	OffsetY int
}

// ToPixels maps a normalized point onto a W×H screen:
//
//	clamp(round(n/1000 · dim) + offset, 0, dim-1)
//
// (0,0) maps to (0,0) and (1000,1000) maps to (W-1,H-1) after clamping.
func (m Mapper) ToPixels(p Point, width, height int) (int, int) {
	x := int(math.Round(p.X/NormalizedMax*float64(width))) + m.OffsetX
	y := int(math.Round(p.Y/NormalizedMax*float64(height))) + m.OffsetY
	return clampInt(x, 0, width-1), clampInt(y, 0, height-1)
}

// ToNormalized maps a pixel back into the [0,1000] space (inverse of
// ToPixels modulo rounding and clamping).
func (m Mapper) ToNormalized(x, y, width, height int) Point {
	return Point{
		X: clampFloat(float64(x-m.OffsetX)/float64(width)*NormalizedMax, 0, NormalizedMax),
		Y: clampFloat(float64(y-m.OffsetY)/float64(height)*NormalizedMax, 0, NormalizedMax),
	}
}

// BBoxCenter returns the center of a normalized bounding box
// [x1, y1, x2, y2], the form grounding models emit for "where is X".
func BBoxCenter(box [4]float64) Point {
	return Point{X: (box[0] + box[2]) / 2, Y: (box[1] + box[3]) / 2}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
