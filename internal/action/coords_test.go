package action

import "testing"

func TestToPixelsBoundaryCases(t *testing.T) {
	px, py := ToPixels(0, 0, 1920, 1080, Offsets{})
	if px != 0 || py != 0 {
		t.Errorf("(0,0) -> (%d,%d), want (0,0)", px, py)
	}
	px, py = ToPixels(1000, 1000, 1920, 1080, Offsets{})
	if px != 1919 || py != 1079 {
		t.Errorf("(1000,1000) -> (%d,%d), want (1919,1079)", px, py)
	}
}

func TestToPixelsS1Scenario(t *testing.T) {
	// (5, 998) on a 1920x1080 screen -> (10, 1078).
	px, py := ToPixels(5, 998, 1920, 1080, Offsets{})
	if px != 10 || py != 1078 {
		t.Errorf("got (%d,%d), want (10,1078)", px, py)
	}
}

func TestToPixelsOffsets(t *testing.T) {
	px, py := ToPixels(500, 500, 1000, 1000, Offsets{X: 5, Y: -5})
	if px != 505 || py != 495 {
		t.Errorf("got (%d,%d), want (505,495)", px, py)
	}
}

func TestToPixelsClampsOutOfRangeInput(t *testing.T) {
	px, py := ToPixels(-50, 1200, 1000, 1000, Offsets{})
	if px != 0 || py != 999 {
		t.Errorf("got (%d,%d), want (0,999)", px, py)
	}
}

func TestClampTarget(t *testing.T) {
	p, clamped := ClampTarget(Point{X: -10, Y: 1500})
	if !clamped {
		t.Error("expected clamped=true")
	}
	if p.X != 0 || p.Y != 1000 {
		t.Errorf("got %+v, want (0,1000)", p)
	}

	p, clamped = ClampTarget(Point{X: 500, Y: 500})
	if clamped {
		t.Error("expected clamped=false")
	}
	if p.X != 500 || p.Y != 500 {
		t.Errorf("got %+v, want (500,500)", p)
	}
}
