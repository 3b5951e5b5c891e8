package geom

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const coordTolerance = 1e-9

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= coordTolerance
}

func TestIdentityApply(t *testing.T) {
	x, y, z := Identity().Apply(1.5, -2.0, 0.25)
	if !closeTo(x, 1.5) || !closeTo(y, -2.0) || !closeTo(z, 0.25) {
		t.Errorf("identity moved point: got (%v, %v, %v)", x, y, z)
	}
}

func TestTranslateApply(t *testing.T) {
	x, y, z := Translate(1, 2, 3).Apply(10, 20, 30)
	if !closeTo(x, 11) || !closeTo(y, 22) || !closeTo(z, 33) {
		t.Errorf("expected (11, 22, 33), got (%v, %v, %v)", x, y, z)
	}
}

func TestRotateZQuarterTurns(t *testing.T) {
	tests := []struct {
		rad        float64
		wantX      float64
		wantY      float64
	}{
		{0, 1, 0},
		{math.Pi / 2, 0, 1},
		{math.Pi, -1, 0},
		{3 * math.Pi / 2, 0, -1},
	}

	for _, tt := range tests {
		x, y, z := RotateZ(tt.rad).Apply(1, 0, 0)
		if !closeTo(x, tt.wantX) || !closeTo(y, tt.wantY) || !closeTo(z, 0) {
			t.Errorf("RotateZ(%v): expected (%v, %v, 0), got (%v, %v, %v)",
				tt.rad, tt.wantX, tt.wantY, x, y, z)
		}
	}
}

func TestComposeOrder(t *testing.T) {
	// Rotate 90° about Z, then translate: point (1,0,0) should land at
	// (tx, ty+1, 0), not (tx+1, ty, 0).
	c := Compose(Translate(5, 7, 0), RotateZ(math.Pi/2))
	x, y, z := c.Apply(1, 0, 0)
	if !closeTo(x, 5) || !closeTo(y, 8) || !closeTo(z, 0) {
		t.Errorf("expected (5, 8, 0), got (%v, %v, %v)", x, y, z)
	}
}

func TestInvertRoundTrip(t *testing.T) {
	tr := Compose(Translate(1, -2, 3), RotateZ(0.7))
	round := Compose(tr, tr.Invert())
	x, y, z := round.Apply(4, 5, 6)
	if !closeTo(x, 4) || !closeTo(y, 5) || !closeTo(z, 6) {
		t.Errorf("invert round trip moved point: got (%v, %v, %v)", x, y, z)
	}
}

func TestInterpolateEndpoints(t *testing.T) {
	a := Compose(Translate(0, 0, 0), RotateZ(0))
	b := Compose(Translate(2, 4, 6), RotateZ(math.Pi/2))

	for _, tt := range []struct {
		u    float64
		want Transform
	}{
		{0, a},
		{1, b},
	} {
		got := Interpolate(a, b, tt.u)
		gx, gy, gz := got.Apply(1, 0, 0)
		wx, wy, wz := tt.want.Apply(1, 0, 0)
		if !closeTo(gx, wx) || !closeTo(gy, wy) || !closeTo(gz, wz) {
			t.Errorf("u=%v: expected (%v, %v, %v), got (%v, %v, %v)",
				tt.u, wx, wy, wz, gx, gy, gz)
		}
	}
}

func TestInterpolateMidpointTranslation(t *testing.T) {
	got := Interpolate(Identity(), Translate(1, 0, 0), 0.5)
	x, y, z := got.Apply(1, 0, 0)
	if !closeTo(x, 1.5) || !closeTo(y, 0) || !closeTo(z, 0) {
		t.Errorf("expected (1.5, 0, 0), got (%v, %v, %v)", x, y, z)
	}
}

func TestInterpolateMidpointRotation(t *testing.T) {
	// Halfway between identity and a 90° Z rotation is a 45° Z rotation.
	got := Interpolate(Identity(), RotateZ(math.Pi/2), 0.5)
	x, y, _ := got.Apply(1, 0, 0)
	want := math.Sqrt2 / 2
	if math.Abs(x-want) > 1e-9 || math.Abs(y-want) > 1e-9 {
		t.Errorf("expected (%v, %v), got (%v, %v)", want, want, x, y)
	}
}

func TestInterpolateKeepsUnitRotation(t *testing.T) {
	a := RotateZ(0.1)
	b := RotateZ(2.9)
	for u := 0.0; u <= 1.0; u += 0.125 {
		got := Interpolate(a, b, u)
		if n := quat.Abs(quat.Number(got.R)); math.Abs(n-1) > 1e-12 {
			t.Errorf("u=%v: rotation norm %v, expected 1", u, n)
		}
	}
}

func TestInterpolateShortestArc(t *testing.T) {
	// b's quaternion is the negation of a 90° turn; slerp must not swing
	// the long way round through 270°.
	a := Identity()
	bq := quat.Scale(-1, quat.Number(RotateZ(math.Pi/2).R))
	b := Transform{R: r3.Rotation(bq)}

	got := Interpolate(a, b, 0.5)
	x, y, _ := got.Apply(1, 0, 0)
	want := math.Sqrt2 / 2
	if math.Abs(x-want) > 1e-9 || math.Abs(y-want) > 1e-9 {
		t.Errorf("expected 45° rotation (%v, %v), got (%v, %v)", want, want, x, y)
	}
}

func TestInterpolateNearlyParallelFallsBack(t *testing.T) {
	a := RotateZ(0)
	b := RotateZ(1e-6)
	got := Interpolate(a, b, 0.5)
	if n := quat.Abs(quat.Number(got.R)); math.Abs(n-1) > 1e-12 {
		t.Errorf("nlerp fallback returned non-unit rotation: norm %v", n)
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tr   Transform
	}{
		{"identity", Identity()},
		{"translation", Translate(1, 2, 3)},
		{"rotation", RotateZ(1.1)},
		{"rotation_x", AxisAngle(r3.Vec{X: 1}, 2.5)},
		{"combined", Compose(Translate(-4, 0.5, 9), AxisAngle(r3.Vec{X: 1, Y: 1}, 0.8))},
	}

	for _, tt := range tests {
		back := FromMatrix(tt.tr.Matrix())
		for _, p := range [][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {2, -3, 4}} {
			gx, gy, gz := back.Apply(p[0], p[1], p[2])
			wx, wy, wz := tt.tr.Apply(p[0], p[1], p[2])
			if math.Abs(gx-wx) > 1e-9 || math.Abs(gy-wy) > 1e-9 || math.Abs(gz-wz) > 1e-9 {
				t.Errorf("%s: point %v: expected (%v, %v, %v), got (%v, %v, %v)",
					tt.name, p, wx, wy, wz, gx, gy, gz)
			}
		}
	}
}

func TestValidMatrix(t *testing.T) {
	if !ValidMatrix(IdentityMatrix) {
		t.Error("identity should be valid")
	}
	if !ValidMatrix(Compose(Translate(1, 2, 3), RotateZ(0.4)).Matrix()) {
		t.Error("rigid transform matrix should be valid")
	}

	scaled := IdentityMatrix
	scaled[0] = 2 // not a rotation any more
	if ValidMatrix(scaled) {
		t.Error("scaled matrix should be rejected")
	}

	badRow := IdentityMatrix
	badRow[12] = 0.5
	if ValidMatrix(badRow) {
		t.Error("non-homogeneous last row should be rejected")
	}
}
