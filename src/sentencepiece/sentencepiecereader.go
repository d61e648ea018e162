package sentencepiece

import (
	"fmt"
	"os"
)

func Load(vocabFilePath string) (*ModelProto, error) {
	data, err := os.ReadFile(vocabFilePath)
	if err != nil {
		return nil, err
	}
	model, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("cannot read SentencePiece model \"%s\": %w", vocabFilePath, err)
	}
	return model, nil
}

func Unmarshal(data []byte) (*ModelProto, error) {
	model := &ModelProto{
		Pieces:         make([]SentencePiece, 0),
		TrainerSpec:    newTrainerSpec(),
		NormalizerSpec: newNormalizerSpec(),
	}
	if err := modelprotoDescriptor.Unmarshal(data, model); err != nil {
		return nil, err
	}
	if len(model.Pieces) == 0 {
		return nil, fmt.Errorf("model has no pieces")
	}
	return model, nil
}
