package model

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/adalkiran/llama-serve/src/ml"
	"golang.org/x/sync/errgroup"
)

type LlamaTransformer struct {
	tok_embd *ml.Tensor // Original: "tok_embeddings.weight"  |  ggml: "token_embd.weight" | shape: [32000 4096] -> [VocabSize, Dim]

	Layers []*LlamaTransformerBlock

	output_norm *ml.Tensor // Original: "norm.weight"  |  ggml: "output_norm.weight" | shape: [4096] -> [Dim]
	output      *ml.Tensor // Original: "output.weight"  |  ggml: "output.weight" | [out_features, in_features] -> shape: [32000 4096] -> [VocabSize, Dim]

	NormEpsilon float32
	VocabSize   int

	PrecomputedFreqsCis *ml.Tensor // Shape: [MaxSequenceLength * 2, HeadDim / 2]
}

type LlamaTransformerBlock struct {
	LayerIndex  int
	NormEpsilon float32

	attn_norm *ml.Tensor // Original: "layers.0.attention_norm.weight"  |  ggml: "blk.0.attn_norm.weight" | shape: [4096] -> [Dim]
	ffn_norm  *ml.Tensor // Original: "layers.0.ffn_norm.weight"  |  ggml: "blk.0.ffn_norm.weight" | shape: [4096] -> [Dim]

	attention   *LlamaAttention
	feedForward *LlamaFeedForward
}

type LlamaAttention struct {
	LayerIndex int

	N_Heads   int
	N_KVHeads int
	N_Rep     int
	HeadDim   int

	attn_wq *ml.Tensor // Original: "layers.0.attention.wq.weight"  |  ggml: "blk.0.attn_q.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_Heads * HeadDim, Dim]
	attn_wk *ml.Tensor // Original: "layers.0.attention.wk.weight"  |  ggml: "blk.0.attn_k.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	attn_wv *ml.Tensor // Original: "layers.0.attention.wv.weight"  |  ggml: "blk.0.attn_v.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	attn_wo *ml.Tensor // Original: "layers.0.attention.wo.weight"  |  ggml: "blk.0.attn_output.weight" | [out_features, in_features] -> shape: [4096 4096] -> [Dim, N_Heads * HeadDim]
}

type LlamaFeedForward struct {
	FFNHiddenDim int

	ffn_gate *ml.Tensor // Original: "layers.0.feed_forward.w1.weight"  |  ggml: "blk.0.ffn_gate.weight" | [out_features, in_features] -> shape: [11008 4096] -> [FFNHiddenDim, Dim] | w1
	ffn_down *ml.Tensor // Original: "layers.0.feed_forward.w2.weight"  |  ggml: "blk.0.ffn_down.weight" | [out_features, in_features] -> shape: [4096 11008] -> [Dim, FFNHiddenDim] | w2
	ffn_up   *ml.Tensor // Original: "layers.0.feed_forward.w3.weight"  |  ggml: "blk.0.ffn_up.weight" | [out_features, in_features] -> shape: [11008 4096] -> [FFNHiddenDim, Dim] | w3
}

func NewLlamaTransformer(model *Model) (*LlamaTransformer, error) {
	modelArgs := model.ModelArgs
	result := &LlamaTransformer{
		NormEpsilon: modelArgs.NormEpsilon,
		VocabSize:   modelArgs.VocabSize,
	}

	var err error
	// Compare (VocabSize, Dim) vs. "tok_embeddings.weight" tensor shape
	dim := modelArgs.Dim             // 4096
	vocabSize := modelArgs.VocabSize // 32000
	if result.tok_embd, err = getTensor(model, "tok_embeddings.weight", []int{vocabSize, dim}); err != nil {
		return nil, err
	}

	result.Layers = make([]*LlamaTransformerBlock, modelArgs.N_Layers)

	for i := 0; i < modelArgs.N_Layers; i++ {
		var layer *LlamaTransformerBlock
		if layer, err = NewLlamaTransformerBlock(model, i); err != nil {
			return nil, err
		}
		result.Layers[i] = layer
	}

	if result.output_norm, err = getTensor(model, "norm.weight", []int{dim}); err != nil {
		return nil, err
	}

	// output is a Linear unit, so weight shape is ordered reversely as [out_features, in_features]
	if result.output, err = getTensor(model, "output.weight", []int{vocabSize, dim}); err != nil {
		return nil, err
	}

	// See: https://github.com/meta-llama/llama/blob/main/llama/model.py#L459
	if result.PrecomputedFreqsCis, err = ml.PrecomputeFreqsCis(modelArgs.HeadDim, modelArgs.MaxSequenceLength*2, modelArgs.RopeTheta); err != nil {
		return nil, err
	}
	return result, nil
}

// Forward runs inputTokens placed at startPos through the transformer, fills the caches of infContext
// and returns F32 logits of shape [VocabSize] for the last token.
func (lt *LlamaTransformer) Forward(ctx context.Context, infContext *InferenceContext, inputTokens []TokenId, startPos int) (*ml.Tensor, error) {
	if len(inputTokens) == 0 {
		return nil, fmt.Errorf("empty token array")
	}
	sequenceLength := len(inputTokens)
	if startPos < 0 || startPos+sequenceLength > infContext.SequenceLength {
		return nil, fmt.Errorf("%w: positions [%d, %d) don't fit in context of %d tokens",
			ErrContextLengthExceeded, startPos, startPos+sequenceLength, infContext.SequenceLength)
	}

	tokensTensor := ml.NewEmptyTensor([]int{sequenceLength}, ml.DT_INT32)
	for i, token := range inputTokens {
		if err := tokensTensor.SetItem([]int{i}, int32(token)); err != nil {
			return nil, err
		}
	}

	// Embedding shape: [sequenceLength, Dim]
	currentTensor, err := ml.Fwd_Get_Rows(lt.tok_embd, tokensTensor)
	if err != nil {
		return nil, err
	}

	freqsCis, err := lt.PrecomputedFreqsCis.Slice(startPos, startPos+sequenceLength)
	if err != nil {
		return nil, err
	}

	for _, layer := range lt.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if currentTensor, err = layer.Forward(ctx, infContext, currentTensor, startPos, freqsCis); err != nil {
			return nil, err
		}
	}

	// Only the last position is needed to predict the next token
	lastTensor, err := currentTensor.Slice(sequenceLength-1, sequenceLength)
	if err != nil {
		return nil, err
	}
	if lastTensor, err = ml.RMSNorm(lastTensor, lt.output_norm, lt.NormEpsilon); err != nil {
		return nil, err
	}
	logits, err := ml.LinearTransformation(ctx, lastTensor, lt.output)
	if err != nil {
		return nil, err
	}
	return logits.Reshape([]int{lt.VocabSize})
}

func NewLlamaTransformerBlock(model *Model, layerIndex int) (*LlamaTransformerBlock, error) {
	result := &LlamaTransformerBlock{
		LayerIndex:  layerIndex,
		NormEpsilon: model.ModelArgs.NormEpsilon,
	}
	dim := model.ModelArgs.Dim // 4096
	var err error

	// attention normalization
	if result.attn_norm, err = getLayerTensor(model, "layers.%d.attention_norm.weight", layerIndex, []int{dim}); err != nil {
		return nil, err
	}

	if result.attention, err = NewLlamaAttention(model, layerIndex); err != nil {
		return nil, err
	}

	// feed forward normalization
	if result.ffn_norm, err = getLayerTensor(model, "layers.%d.ffn_norm.weight", layerIndex, []int{dim}); err != nil {
		return nil, err
	}

	if result.feedForward, err = NewLlamaFeedForward(model, layerIndex); err != nil {
		return nil, err
	}

	return result, nil
}

func (ltb *LlamaTransformerBlock) Forward(ctx context.Context, infContext *InferenceContext, x *ml.Tensor, startPos int, freqsCis *ml.Tensor) (*ml.Tensor, error) {
	normalizedX, err := ml.RMSNorm(x, ltb.attn_norm, ltb.NormEpsilon)
	if err != nil {
		return nil, err
	}
	attentionOutput, err := ltb.attention.Forward(ctx, infContext, normalizedX, startPos, freqsCis)
	if err != nil {
		return nil, err
	}
	// Residual connection
	h, err := ml.Add(x, attentionOutput)
	if err != nil {
		return nil, err
	}

	if normalizedX, err = ml.RMSNorm(h, ltb.ffn_norm, ltb.NormEpsilon); err != nil {
		return nil, err
	}
	feedForwardOutput, err := ltb.feedForward.Forward(ctx, normalizedX)
	if err != nil {
		return nil, err
	}
	return ml.Add(h, feedForwardOutput)
}

func NewLlamaAttention(model *Model, layerIndex int) (*LlamaAttention, error) {
	modelArgs := model.ModelArgs
	result := &LlamaAttention{
		LayerIndex: layerIndex,
		N_Heads:    modelArgs.N_Heads,
		N_KVHeads:  modelArgs.N_KVHeads,
		N_Rep:      modelArgs.N_Rep,
		HeadDim:    modelArgs.HeadDim, // 128
	}
	dim := modelArgs.Dim // 4096
	var err error

	normalHeadsTotalDim := result.N_Heads * result.HeadDim // 4096
	kvHeadsTotalDim := result.N_KVHeads * result.HeadDim   // 4096

	// attn_wq, attn_wk, attn_wv, attn_wo are Linear units, so weight shapes are ordered reversely as [out_features, in_features]
	if result.attn_wq, err = getLayerTensor(model, "layers.%d.attention.wq.weight", layerIndex, []int{normalHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wk, err = getLayerTensor(model, "layers.%d.attention.wk.weight", layerIndex, []int{kvHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wv, err = getLayerTensor(model, "layers.%d.attention.wv.weight", layerIndex, []int{kvHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wo, err = getLayerTensor(model, "layers.%d.attention.wo.weight", layerIndex, []int{dim, normalHeadsTotalDim}); err != nil {
		return nil, err
	}

	return result, nil
}

// Forward computes causal grouped query attention of x [sequenceLength, Dim] against the cached positions.
// See: https://github.com/meta-llama/llama/blob/main/llama/model.py#L262
func (lat *LlamaAttention) Forward(ctx context.Context, infContext *InferenceContext, x *ml.Tensor, startPos int, freqsCis *ml.Tensor) (*ml.Tensor, error) {
	sequenceLength := x.Size[0]

	xq, err := ml.LinearTransformation(ctx, x, lat.attn_wq)
	if err != nil {
		return nil, err
	}
	xk, err := ml.LinearTransformation(ctx, x, lat.attn_wk)
	if err != nil {
		return nil, err
	}
	xv, err := ml.LinearTransformation(ctx, x, lat.attn_wv)
	if err != nil {
		return nil, err
	}

	if xq, err = xq.Reshape([]int{sequenceLength, lat.N_Heads, lat.HeadDim}); err != nil {
		return nil, err
	}
	if xk, err = xk.Reshape([]int{sequenceLength, lat.N_KVHeads, lat.HeadDim}); err != nil {
		return nil, err
	}
	if xq, err = ml.ApplyRotaryEmbeddings(xq, freqsCis); err != nil {
		return nil, err
	}
	if xk, err = ml.ApplyRotaryEmbeddings(xk, freqsCis); err != nil {
		return nil, err
	}

	cacheK, err := infContext.CacheK[lat.LayerIndex].Float32s()
	if err != nil {
		return nil, err
	}
	cacheV, err := infContext.CacheV[lat.LayerIndex].Float32s()
	if err != nil {
		return nil, err
	}
	xkData, err := xk.Float32s()
	if err != nil {
		return nil, err
	}
	xvData, err := xv.Float32s()
	if err != nil {
		return nil, err
	}
	kvRowSize := lat.N_KVHeads * lat.HeadDim
	copy(cacheK[startPos*kvRowSize:(startPos+sequenceLength)*kvRowSize], xkData)
	copy(cacheV[startPos*kvRowSize:(startPos+sequenceLength)*kvRowSize], xvData)

	output := ml.NewEmptyTensor([]int{sequenceLength, lat.N_Heads * lat.HeadDim}, ml.DT_F32)
	outputData, err := output.Float32s()
	if err != nil {
		return nil, err
	}
	xqData, err := xq.Float32s()
	if err != nil {
		return nil, err
	}
	headDim := lat.HeadDim
	scale := float32(1 / math.Sqrt(float64(headDim)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for head := 0; head < lat.N_Heads; head++ {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			// Key/value head shared by N_Rep query heads
			kvHead := head / lat.N_Rep
			scores := make([]float32, startPos+sequenceLength)
			for i := 0; i < sequenceLength; i++ {
				pos := startPos + i
				q := xqData[(i*lat.N_Heads+head)*headDim : (i*lat.N_Heads+head+1)*headDim]
				// causal mask: position pos attends to positions [0, pos]
				posScores := scores[:pos+1]
				for j := range posScores {
					k := cacheK[j*kvRowSize+kvHead*headDim : j*kvRowSize+(kvHead+1)*headDim]
					posScores[j] = ml.DotFloat32(q, k) * scale
				}
				ml.SoftmaxInPlace(posScores, posScores)

				out := outputData[(i*lat.N_Heads+head)*headDim : (i*lat.N_Heads+head+1)*headDim]
				for j, p := range posScores {
					v := cacheV[j*kvRowSize+kvHead*headDim : j*kvRowSize+(kvHead+1)*headDim]
					for d := range out {
						out[d] += p * v[d]
					}
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return ml.LinearTransformation(ctx, output, lat.attn_wo)
}

func NewLlamaFeedForward(model *Model, layerIndex int) (*LlamaFeedForward, error) {
	result := &LlamaFeedForward{
		FFNHiddenDim: model.ModelArgs.FFNHiddenDim(),
	}
	dim := model.ModelArgs.Dim // 4096
	var err error

	// ffn_gate, ffn_down, ffn_up are Linear units, so weight shapes are ordered reversely as [out_features, in_features]
	if result.ffn_gate, err = getLayerTensor(model, "layers.%d.feed_forward.w1.weight", layerIndex, []int{result.FFNHiddenDim, dim}); err != nil {
		return nil, err
	}
	if result.ffn_down, err = getLayerTensor(model, "layers.%d.feed_forward.w2.weight", layerIndex, []int{dim, result.FFNHiddenDim}); err != nil {
		return nil, err
	}
	if result.ffn_up, err = getLayerTensor(model, "layers.%d.feed_forward.w3.weight", layerIndex, []int{result.FFNHiddenDim, dim}); err != nil {
		return nil, err
	}

	return result, nil
}

// Forward computes w2(silu(w1(x)) * w3(x)).
func (lff *LlamaFeedForward) Forward(ctx context.Context, x *ml.Tensor) (*ml.Tensor, error) {
	gate, err := ml.LinearTransformation(ctx, x, lff.ffn_gate)
	if err != nil {
		return nil, err
	}
	up, err := ml.LinearTransformation(ctx, x, lff.ffn_up)
	if err != nil {
		return nil, err
	}
	hidden, err := ml.SwiGLU(gate, up)
	if err != nil {
		return nil, err
	}
	return ml.LinearTransformation(ctx, hidden, lff.ffn_down)
}
