package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// See: https://github.com/meta-llama/llama/blob/main/llama/model.py#L20
// See: https://github.com/ggerganov/llama.cpp/blob/master/convert.py

type ModelArgs struct {
	Dim               int     `json:"dim"`
	N_Layers          int     `json:"n_layers"`
	N_Heads           int     `json:"n_heads"`
	N_KVHeads         int     `json:"n_kv_heads"`
	VocabSize         int     `json:"vocab_size"`         // defined later by tokenizer
	MultipleOf        int     `json:"multiple_of"`        // make SwiGLU hidden layer size multiple of large power of 2
	FFNDimMultiplier  float64 `json:"ffn_dim_multiplier"` // Optional
	NormEpsilon       float32 `json:"norm_eps"`
	RopeTheta         float64 `json:"rope_theta"` // Optional
	MaxSequenceLength int     `json:"max_seq_len"`

	N_Rep   int `json:"-"`
	HeadDim int `json:"-"`
}

func NewModelArgs() *ModelArgs {
	return &ModelArgs{
		Dim:        4096,
		N_Layers:   32,
		N_Heads:    32,
		N_KVHeads:  -1,
		VocabSize:  -1,
		MultipleOf: 256,

		FFNDimMultiplier:  -1,
		NormEpsilon:       1e-5,
		RopeTheta:         10000,
		MaxSequenceLength: 4096,
	}
}

func (ma ModelArgs) String() string {
	result, _ := json.Marshal(ma)
	return string(result)
}

// FFNHiddenDim returns the hidden layer size of the SwiGLU feed forward network.
// See: https://github.com/meta-llama/llama/blob/main/llama/model.py#L331
func (ma ModelArgs) FFNHiddenDim() int {
	hiddenDim := 4 * ma.Dim
	hiddenDim = int(2 * hiddenDim / 3)
	if ma.FFNDimMultiplier > -1 {
		hiddenDim = int(ma.FFNDimMultiplier * float64(hiddenDim))
	}
	// Ensure hiddenDim is multiple of MultipleOf value
	return ma.MultipleOf * ((hiddenDim + ma.MultipleOf - 1) / ma.MultipleOf)
}

// complete fills the values calculated from the others.
func (ma *ModelArgs) complete() error {
	if ma.N_KVHeads < 1 {
		ma.N_KVHeads = ma.N_Heads
	}
	if ma.Dim < 1 || ma.N_Heads < 1 || ma.N_Layers < 1 || ma.MultipleOf < 1 {
		return fmt.Errorf("invalid model arguments: %v", ma)
	}
	if ma.Dim%ma.N_Heads != 0 {
		return fmt.Errorf("dim %d is not divisible by n_heads %d", ma.Dim, ma.N_Heads)
	}
	if ma.N_Heads%ma.N_KVHeads != 0 {
		return fmt.Errorf("n_heads %d is not divisible by n_kv_heads %d", ma.N_Heads, ma.N_KVHeads)
	}
	ma.HeadDim = ma.Dim / ma.N_Heads
	if ma.HeadDim%2 != 0 {
		return fmt.Errorf("head dimension %d must be even for rotary embeddings", ma.HeadDim)
	}
	ma.N_Rep = ma.N_Heads / ma.N_KVHeads
	if ma.RopeTheta <= 0 {
		ma.RopeTheta = 10000
	}
	if ma.MaxSequenceLength < 1 {
		ma.MaxSequenceLength = 4096
	}
	return nil
}

func loadModelArgsFromFile(configFilePath string) (*ModelArgs, error) {
	byteValue, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, err
	}

	var modelArgs = NewModelArgs()
	if err := json.Unmarshal(byteValue, modelArgs); err != nil {
		return nil, fmt.Errorf("cannot parse model configuration \"%s\": %w", configFilePath, err)
	}
	return modelArgs, nil
}
