package common

import "fmt"

type InferenceArgs struct {
	Seed           int64 // RNG (Random Number Generator) seed, -1 for random
	SequenceLength int   // text context, 0 = from model

	MaxNewTokens int // generated tokens after the prompt, 0 = until EOS or context end
	DoSample     bool
	Temperature  float32
	TopK         int     // 0 disables top-k filtering
	TopP         float32 // 1 disables nucleus filtering
}

func NewInferenceArgs() InferenceArgs {
	return InferenceArgs{
		Seed:           -1,
		SequenceLength: 0,

		MaxNewTokens: 150,
		DoSample:     true,
		Temperature:  0.7,
		TopK:         50,
		TopP:         0.9,
	}
}

func (ia InferenceArgs) Validate() error {
	if ia.SequenceLength < 0 {
		return fmt.Errorf("sequence length must not be negative, got %d", ia.SequenceLength)
	}
	if ia.MaxNewTokens < 0 {
		return fmt.Errorf("max new tokens must not be negative, got %d", ia.MaxNewTokens)
	}
	if ia.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %g", ia.Temperature)
	}
	if ia.TopK < 0 {
		return fmt.Errorf("top_k must not be negative, got %d", ia.TopK)
	}
	if ia.TopP <= 0 || ia.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %g", ia.TopP)
	}
	return nil
}

// IsGreedy reports whether the next token is always the most probable one.
func (ia InferenceArgs) IsGreedy() bool {
	return !ia.DoSample || ia.Temperature == 0
}
