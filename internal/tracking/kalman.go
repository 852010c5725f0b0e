package tracking

import (
	"math"

	"github.com/banshee-data/segtrack/internal/record"
)

// kalman is a constant-velocity filter on a box centre. State is
// [x, y, vx, vy] in pixels and pixels/frame; P is 4x4 row-major.
type kalman struct {
	x, y, vx, vy float32
	P            [16]float32
}

func newKalman(b record.Box, measNoise float32) kalman {
	cx := float32((b.X1 + b.X2) / 2)
	cy := float32((b.Y1 + b.Y2) / 2)
	return kalman{
		x: cx, y: cy,
		P: [16]float32{
			measNoise, 0, 0, 0,
			0, measNoise, 0, 0,
			0, 0, 100, 0,
			0, 0, 0, 100,
		},
	}
}

// predict advances one frame: x' = F x, P' = F P Fᵀ + Q with
// F = [[1 0 1 0] [0 1 0 1] [0 0 1 0] [0 0 0 1]].
func (k *kalman) predict(qPos, qVel float32) {
	k.x += k.vx
	k.y += k.vy

	P := k.P
	var FP [16]float32
	for j := 0; j < 4; j++ {
		FP[0*4+j] = P[0*4+j] + P[2*4+j]
		FP[1*4+j] = P[1*4+j] + P[3*4+j]
		FP[2*4+j] = P[2*4+j]
		FP[3*4+j] = P[3*4+j]
	}
	for i := 0; i < 4; i++ {
		k.P[i*4+0] = FP[i*4+0] + FP[i*4+2]
		k.P[i*4+1] = FP[i*4+1] + FP[i*4+3]
		k.P[i*4+2] = FP[i*4+2]
		k.P[i*4+3] = FP[i*4+3]
	}
	k.P[0*4+0] += qPos
	k.P[1*4+1] += qPos
	k.P[2*4+2] += qVel
	k.P[3*4+3] += qVel

	if !k.finite() {
		k.vx, k.vy = 0, 0
		k.P = [16]float32{10, 0, 0, 0, 0, 10, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	}
}

// update folds in a measured centre with H = [I₂ 0].
func (k *kalman) update(b record.Box, measNoise float32) {
	zx := float32((b.X1 + b.X2) / 2)
	zy := float32((b.Y1 + b.Y2) / 2)

	// S = H P Hᵀ + R, the top-left 2x2 block plus noise.
	s00 := k.P[0] + measNoise
	s01 := k.P[1]
	s10 := k.P[4]
	s11 := k.P[5] + measNoise
	det := s00*s11 - s01*s10
	if math.Abs(float64(det)) < 1e-9 {
		return
	}
	i00, i01 := s11/det, -s01/det
	i10, i11 := -s10/det, s00/det

	// K = P Hᵀ S⁻¹ (4x2).
	var K [8]float32
	for r := 0; r < 4; r++ {
		p0, p1 := k.P[r*4+0], k.P[r*4+1]
		K[r*2+0] = p0*i00 + p1*i10
		K[r*2+1] = p0*i01 + p1*i11
	}

	rx, ry := zx-k.x, zy-k.y
	k.x += K[0]*rx + K[1]*ry
	k.y += K[2]*rx + K[3]*ry
	k.vx += K[4]*rx + K[5]*ry
	k.vy += K[6]*rx + K[7]*ry

	// P = (I - K H) P
	var P [16]float32
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			P[r*4+c] = k.P[r*4+c] - (K[r*2+0]*k.P[0*4+c] + K[r*2+1]*k.P[1*4+c])
		}
	}
	k.P = P
}

func (k *kalman) finite() bool {
	for _, v := range []float32{k.x, k.y, k.vx, k.vy, k.P[0], k.P[5], k.P[10], k.P[15]} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
