package model

import (
	"fmt"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/ml"
)

// InferenceContext holds the key/value cache of one generation.
type InferenceContext struct {
	SequenceLength int // context size used during inference

	CacheK []*ml.Tensor
	CacheV []*ml.Tensor
}

// NewInferenceContext allocates caches of shape [sequenceLength, N_KVHeads, HeadDim] for every layer.
func NewInferenceContext(model *Model, sequenceLength int) (*InferenceContext, error) {
	modelArgs := model.ModelArgs
	if sequenceLength <= 0 || sequenceLength > modelArgs.MaxSequenceLength {
		return nil, fmt.Errorf("sequence length %d must be in [1, %d]", sequenceLength, modelArgs.MaxSequenceLength)
	}
	// See: https://github.com/ggerganov/llama.cpp/blob/a7aee47b98e45539d491071b25778b833b77e387/llama.cpp#L9304C14-L9304C14
	context := &InferenceContext{
		SequenceLength: sequenceLength,
		CacheK:         make([]*ml.Tensor, modelArgs.N_Layers),
		CacheV:         make([]*ml.Tensor, modelArgs.N_Layers),
	}
	cacheSize := []int{
		sequenceLength,      // up to MaxSequenceLength (4096)
		modelArgs.N_KVHeads, // 32
		modelArgs.HeadDim,   // 128
	}
	for layerIdx := 0; layerIdx < modelArgs.N_Layers; layerIdx++ {
		var err error
		if context.CacheK[layerIdx], err = ml.Zeros(cacheSize, ml.DT_F32); err != nil {
			return nil, err
		}
		if context.CacheV[layerIdx], err = ml.Zeros(cacheSize, ml.DT_F32); err != nil {
			return nil, err
		}
	}
	common.GLogger.DebugPrintf("Inference Context created with SequenceLength: %d", context.SequenceLength)
	return context, nil
}
