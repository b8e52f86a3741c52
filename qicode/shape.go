package qicode

import "math"

// Shape is a named pulse envelope defined on [0, 1). The compiler samples
// it onto the hardware waveform grid when registering a pulse.
type Shape struct {
	name string
	fn   func(x float64) float64
}

func (s Shape) Name() string { return s.name }

// Eval returns the envelope value at normalized position x. Positions
// outside [0, 1) evaluate to zero.
func (s Shape) Eval(x float64) float64 {
	if x < 0 || x >= 1 {
		return 0
	}
	return s.fn(x)
}

// Mul returns the pointwise product of two shapes, keeping the receiver's
// name.
func (s Shape) Mul(other Shape) Shape {
	return Shape{
		name: s.name,
		fn: func(x float64) float64 {
			return s.fn(x) * other.fn(x)
		},
	}
}

var (
	// ShapeZero is the all-zero envelope.
	ShapeZero = Shape{name: "zero", fn: func(x float64) float64 { return 0 }}
	// ShapeRect is the unit rectangle.
	ShapeRect = Shape{name: "rect", fn: func(x float64) float64 { return 1 }}
	// ShapeGauss is a gaussian centered in the pulse.
	ShapeGauss = Shape{
		name: "gauss",
		fn: func(x float64) float64 {
			return math.Exp(-0.5 * math.Pow((x-0.5)/0.166, 2))
		},
	}
	// ShapeRamp rises linearly from zero to full amplitude.
	ShapeRamp = Shape{name: "ramp", fn: func(x float64) float64 { return x }}
	// ShapeSqrFct rises quadratically.
	ShapeSqrFct = Shape{
		name: "sqrfct",
		fn:   func(x float64) float64 { return x * x },
	}
	// ShapeLSphere is the left quarter circle.
	ShapeLSphere = Shape{
		name: "l_sphere",
		fn:   func(x float64) float64 { return math.Sqrt(1 - x*x) },
	}
	// ShapeRSphere is the right quarter circle.
	ShapeRSphere = Shape{
		name: "r_sphere",
		fn:   func(x float64) float64 { return math.Sqrt(1 - (x-1)*(x-1)) },
	}
	// ShapeGaussUp is the rising half of a wide gaussian.
	ShapeGaussUp = Shape{
		name: "gauss_up",
		fn: func(x float64) float64 {
			return math.Exp(-0.5 * math.Pow((x-1)/2/0.166, 2))
		},
	}
	// ShapeGaussDown is the falling half of a wide gaussian.
	ShapeGaussDown = Shape{
		name: "gauss_down",
		fn: func(x float64) float64 {
			return math.Exp(-0.5 * math.Pow(x/2/0.166, 2))
		},
	}
)

// ShapeByName resolves a shape from its canonical name. Unknown names
// report false.
func ShapeByName(name string) (Shape, bool) {
	for _, s := range []Shape{
		ShapeZero,
		ShapeRect,
		ShapeGauss,
		ShapeRamp,
		ShapeSqrFct,
		ShapeLSphere,
		ShapeRSphere,
		ShapeGaussUp,
		ShapeGaussDown,
	} {
		if s.name == name {
			return s, true
		}
	}
	return Shape{}, false
}
