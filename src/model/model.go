package model

import (
	"errors"
	"fmt"

	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/pickle"
	"github.com/adalkiran/llama-serve/src/torch"
)

type ModelArchitecture uint8

func (ma ModelArchitecture) String() string {
	switch ma {
	case ModelArchitectureLlama:
		return "Llama"
	}
	return "UNKNOWN"
}

type ModelType uint8

func (mt ModelType) String() string {
	switch mt {
	case ModelType7B:
		return "7B"
	case ModelType13B:
		return "13B"
	case ModelType70B:
		return "70B"
	}
	return "UNKNOWN"
}

type TokenId int32

const (
	ModelArchitectureUnknown ModelArchitecture = 0
	ModelArchitectureLlama   ModelArchitecture = 1

	ModelTypeUnknown ModelType = 0
	ModelType7B      ModelType = 1
	ModelType13B     ModelType = 2
	ModelType70B     ModelType = 3
)

var (
	ErrContextLengthExceeded = errors.New("context length exceeded")
	ErrModelNotLoaded        = errors.New("model is not loaded")
)

type Model struct {
	Tensors    *pickle.PickleDict[*ml.Tensor]
	ModelArgs  *ModelArgs
	Vocabulary *Vocabulary

	Transformer *LlamaTransformer

	ModelArchitecture ModelArchitecture
	ModelType         ModelType

	torchModelReader *torch.TorchModelReader
}

// NewModel checks the arguments against the vocabulary and tensors, then builds the transformer.
func NewModel(tensors *pickle.PickleDict[*ml.Tensor], modelArgs *ModelArgs, vocabulary *Vocabulary) (*Model, error) {
	model := &Model{
		Tensors:           tensors,
		ModelArgs:         modelArgs,
		Vocabulary:        vocabulary,
		ModelArchitecture: ModelArchitectureLlama,
	}
	if err := checkModelArgs(model); err != nil {
		return nil, err
	}
	switch modelArgs.N_Layers {
	case 32:
		model.ModelType = ModelType7B
	case 40:
		model.ModelType = ModelType13B
	case 80:
		model.ModelType = ModelType70B
	}
	var err error
	if model.Transformer, err = NewLlamaTransformer(model); err != nil {
		return nil, err
	}
	return model, nil
}

// Free releases the memory mapped checkpoint, tensors of the model must not be used after.
func (m *Model) Free() error {
	if m == nil || m.torchModelReader == nil {
		return nil
	}
	return m.torchModelReader.Close()
}

func (m *Model) GetElementCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetElementCount()
	}
	return result
}

func (m *Model) GetBytesCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetBytesCount()
	}
	return result
}

func checkModelArgs(model *Model) error {
	errList := make([]string, 0)
	modelArgs := model.ModelArgs

	if err := modelArgs.complete(); err != nil {
		return err
	}
	// Compare VocabSize vs. model.Vocabulary.IdToToken length
	if modelArgs.VocabSize < 1 {
		modelArgs.VocabSize = model.Vocabulary.Len()
	} else if modelArgs.VocabSize != model.Vocabulary.Len() {
		errList = append(errList, fmt.Sprintf("VocabSize=%d and vocabulary model length=%d aren't equal", modelArgs.VocabSize, model.Vocabulary.Len()))
	}
	if model.Vocabulary.EndOfSentenceId < 0 {
		errList = append(errList, "vocabulary has no end of sentence token")
	}

	if len(errList) == 0 {
		return nil
	}
	return fmt.Errorf("error while checking config and model: %s", errList)
}
