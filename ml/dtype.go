package ml

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the precision that weights and noise are rounded to before they
// enter the network. Computation itself always happens in float64.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeBFloat16
)

// ParseDType maps a mixed precision mode ("no", "fp16", "bf16") to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "", "no", "fp32":
		return DTypeFloat32, nil
	case "fp16":
		return DTypeFloat16, nil
	case "bf16":
		return DTypeBFloat16, nil
	default:
		return 0, fmt.Errorf("unknown mixed precision mode %q", s)
	}
}

func (d DType) String() string {
	switch d {
	case DTypeFloat16:
		return "fp16"
	case DTypeBFloat16:
		return "bf16"
	default:
		return "no"
	}
}

// Round rounds each value to the nearest representable value of d.
func (d DType) Round(vs []float64) {
	switch d {
	case DTypeFloat16:
		for i, v := range vs {
			vs[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case DTypeBFloat16:
		f32s := make([]float32, len(vs))
		for i, v := range vs {
			f32s[i] = float32(v)
		}
		for i, v := range bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32s)) {
			vs[i] = float64(v)
		}
	default:
		for i, v := range vs {
			vs[i] = float64(float32(v))
		}
	}
}
