// Package modeltest builds tiny Llama models and model directories for tests of the packages
// depending on model.
package modeltest

import (
	"fmt"
	"math/rand/v2"

	"github.com/adalkiran/llama-serve/src/dtype"
	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/adalkiran/llama-serve/src/pickle"
	"github.com/adalkiran/llama-serve/src/sentencepiece"
)

const whitespace = model.WhitespaceEscapeToken

// TinyPieces are the normal pieces of the tiny vocabulary, "hello world" is tokenized
// as ["▁hello", "▁world"] by score ordered merges.
var TinyPieces = []struct {
	Piece string
	Score float32
}{
	{whitespace, -100}, {"h", -101}, {"e", -102}, {"l", -103}, {"o", -104}, {"w", -105}, {"r", -106}, {"d", -107},
	{"ll", -1}, {"he", -2}, {"llo", -3}, {"hello", -4}, {whitespace + "hello", -5},
	{"or", -6}, {whitespace + "w", -7}, {whitespace + "wor", -8}, {"ld", -9}, {whitespace + "world", -10},
}

// TinyVocabularyProto returns <unk>, <s>, </s>, the 256 byte pieces and TinyPieces in this order.
func TinyVocabularyProto() *sentencepiece.ModelProto {
	pieces := []sentencepiece.SentencePiece{
		{Piece: "<unk>", PieceType: sentencepiece.UNKNOWN},
		{Piece: "<s>", PieceType: sentencepiece.CONTROL},
		{Piece: "</s>", PieceType: sentencepiece.CONTROL},
	}
	for b := 0; b < 256; b++ {
		pieces = append(pieces, sentencepiece.SentencePiece{
			Piece:        fmt.Sprintf("<0x%02X>", b),
			PieceType:    sentencepiece.BYTE,
			ByteFallback: byte(b),
		})
	}
	for _, p := range TinyPieces {
		pieces = append(pieces, sentencepiece.SentencePiece{Piece: p.Piece, Score: p.Score, PieceType: sentencepiece.NORMAL})
	}
	return &sentencepiece.ModelProto{
		Pieces: pieces,
		TrainerSpec: sentencepiece.TrainerSpec{
			ModelType:    sentencepiece.BPE,
			VocabSize:    int32(len(pieces)),
			ByteFallback: true,
			UnkId:        0,
			BosId:        1,
			EosId:        2,
			PadId:        -1,
		},
		NormalizerSpec: sentencepiece.NormalizerSpec{
			Name:              "identity",
			AddDummyPrefix:    true,
			EscapeWhitespaces: true,
		},
	}
}

// TinyModelArgs returns arguments with grouped query attention (2 query heads per key/value head).
func TinyModelArgs() *model.ModelArgs {
	modelArgs := model.NewModelArgs()
	modelArgs.Dim = 16
	modelArgs.N_Layers = 2
	modelArgs.N_Heads = 4
	modelArgs.N_KVHeads = 2
	modelArgs.MultipleOf = 8
	modelArgs.MaxSequenceLength = 64
	return modelArgs
}

type TensorSpec struct {
	Name string
	Size []int
	Norm bool
}

// TensorSpecs lists the tensors of a Llama checkpoint in the order they are saved.
func TensorSpecs(modelArgs *model.ModelArgs, vocabSize int) []TensorSpec {
	dim := modelArgs.Dim
	nKVHeads := modelArgs.N_KVHeads
	if nKVHeads < 1 {
		nKVHeads = modelArgs.N_Heads
	}
	headDim := dim / modelArgs.N_Heads
	kvDim := nKVHeads * headDim
	hiddenDim := modelArgs.FFNHiddenDim()

	result := []TensorSpec{{Name: "tok_embeddings.weight", Size: []int{vocabSize, dim}}}
	for i := 0; i < modelArgs.N_Layers; i++ {
		result = append(result,
			TensorSpec{Name: fmt.Sprintf("layers.%d.attention.wq.weight", i), Size: []int{dim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.attention.wk.weight", i), Size: []int{kvDim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.attention.wv.weight", i), Size: []int{kvDim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.attention.wo.weight", i), Size: []int{dim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.feed_forward.w1.weight", i), Size: []int{hiddenDim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.feed_forward.w2.weight", i), Size: []int{dim, hiddenDim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.feed_forward.w3.weight", i), Size: []int{hiddenDim, dim}},
			TensorSpec{Name: fmt.Sprintf("layers.%d.attention_norm.weight", i), Size: []int{dim}, Norm: true},
			TensorSpec{Name: fmt.Sprintf("layers.%d.ffn_norm.weight", i), Size: []int{dim}, Norm: true},
		)
	}
	return append(result,
		TensorSpec{Name: "norm.weight", Size: []int{dim}, Norm: true},
		TensorSpec{Name: "output.weight", Size: []int{vocabSize, dim}},
	)
}

// RandomValues returns deterministic values for a tensor, norm weights stay around 1.
func RandomValues(rng *rand.Rand, spec TensorSpec) []float32 {
	count := 1
	for _, dim := range spec.Size {
		count *= dim
	}
	values := make([]float32, count)
	for i := range values {
		v := float32(rng.Float64()-0.5) * 0.5
		if spec.Norm {
			v += 1
		}
		values[i] = v
	}
	return values
}

// RandomTensors creates BF16 tensors for every spec.
func RandomTensors(specs []TensorSpec, seed uint64) (*pickle.PickleDict[*ml.Tensor], error) {
	rng := rand.New(rand.NewPCG(seed, seed))
	result := pickle.NewPickleDict[*ml.Tensor]()
	for _, spec := range specs {
		values := RandomValues(rng, spec)
		raw := make([]byte, 2*len(values))
		dtype.EncodeBFloat16LittleEndian(raw, values)
		tensor, err := ml.NewTensor(spec.Name, spec.Size, nil, ml.DT_BF16, raw)
		if err != nil {
			return nil, err
		}
		result.Set(spec.Name, tensor)
	}
	return result, nil
}

// NewTinyModel builds a randomly initialized model on the tiny vocabulary.
func NewTinyModel(seed uint64) (*model.Model, error) {
	vocabulary := model.NewVocabulary(TinyVocabularyProto())
	modelArgs := TinyModelArgs()
	tensors, err := RandomTensors(TensorSpecs(modelArgs, vocabulary.Len()), seed)
	if err != nil {
		return nil, err
	}
	return model.NewModel(tensors, modelArgs, vocabulary)
}
