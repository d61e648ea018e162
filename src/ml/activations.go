package ml

import (
	"math"
)

func silu(x float32) float32 {
	// See: https://pytorch.org/docs/stable/generated/torch.nn.SiLU.html
	return float32(float64(x) / (1.0 + math.Exp(-float64(x))))
}

// SwiGLU computes silu(gate) * up, the activation of the Llama feed forward block.
func SwiGLU(gate *Tensor, up *Tensor) (*Tensor, error) {
	return elementwise(gate, up, func(g, u float32) float32 { return silu(g) * u })
}
