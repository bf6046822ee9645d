package action

// Offsets holds a calibration adjustment applied after the normalized-to-pixel
// mapping, for displays where the capture origin and the input-injection
// origin disagree by a few pixels.
type Offsets struct {
	X int
	Y int
}

// ToPixels maps a model-normalized coordinate in [0,1000]^2 onto a W x H
// pixel frame: clamp(round(n/1000 * dim) + offset, 0, dim-1).
func ToPixels(nx, ny, w, h int, off Offsets) (int, int) {
	px := clamp(round(nx, w)+off.X, 0, w-1)
	py := clamp(round(ny, h)+off.Y, 0, h-1)
	return px, py
}

// round computes round(n/1000 * dim) using integer arithmetic.
func round(n, dim int) int {
	return (n*dim + 500) / 1000
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampTarget clamps a raw model target into [0,1000]^2, reporting whether
// clamping changed either component so the caller can emit a warning
// event.
func ClampTarget(p Point) (Point, bool) {
	cx := clamp(p.X, 0, 1000)
	cy := clamp(p.Y, 0, 1000)
	return Point{X: cx, Y: cy}, cx != p.X || cy != p.Y
}
