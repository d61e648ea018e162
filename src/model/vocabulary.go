package model

import "github.com/adalkiran/llama-serve/src/sentencepiece"

const (
	unknownToken          = "<unk>"
	beginOfSentenceToken  = "<s>"
	endOfSentenceToken    = "</s>"
	WhitespaceEscapeToken = "\xe2\x96\x81"
)

type Vocabulary struct {
	TokenToId map[string]TokenId
	IdToToken []sentencepiece.SentencePiece
	ByteToId  [256]TokenId

	BeginOfSentenceId TokenId
	EndOfSentenceId   TokenId
	UnknownId         TokenId
	PadId             TokenId

	AddDummyPrefix         bool
	RemoveExtraWhitespaces bool
	NormalizerName         string
}

func NewVocabulary(vocabModelProto *sentencepiece.ModelProto) *Vocabulary {
	result := &Vocabulary{
		TokenToId:         make(map[string]TokenId, len(vocabModelProto.Pieces)),
		IdToToken:         vocabModelProto.Pieces,
		UnknownId:         -1,
		BeginOfSentenceId: -1,
		EndOfSentenceId:   -1,
		PadId:             -1,
		AddDummyPrefix:    vocabModelProto.NormalizerSpec.AddDummyPrefix,
		NormalizerName:    vocabModelProto.NormalizerSpec.Name,

		RemoveExtraWhitespaces: vocabModelProto.NormalizerSpec.RemoveExtraWhitespaces,
	}
	for i := range result.ByteToId {
		result.ByteToId[i] = -1
	}
	for i, token := range result.IdToToken {
		if token.PieceType == sentencepiece.BYTE {
			result.ByteToId[token.ByteFallback] = TokenId(i)
			continue
		}
		if _, ok := result.TokenToId[token.Piece]; !ok {
			result.TokenToId[token.Piece] = TokenId(i)
		}
	}

	trainerSpec := vocabModelProto.TrainerSpec
	result.UnknownId = result.validId(trainerSpec.UnkId, unknownToken)
	result.BeginOfSentenceId = result.validId(trainerSpec.BosId, beginOfSentenceToken)
	result.EndOfSentenceId = result.validId(trainerSpec.EosId, endOfSentenceToken)
	if trainerSpec.PadId >= 0 && int(trainerSpec.PadId) < len(result.IdToToken) {
		result.PadId = TokenId(trainerSpec.PadId)
	}
	return result
}

// validId prefers the id from the trainer spec, then the well known piece.
func (v *Vocabulary) validId(id int32, piece string) TokenId {
	if id >= 0 && int(id) < len(v.IdToToken) {
		return TokenId(id)
	}
	if id, ok := v.TokenToId[piece]; ok {
		return id
	}
	return -1
}

func (v *Vocabulary) Len() int {
	return len(v.IdToToken)
}

// IsSpecial reports control and unknown pieces, they are skipped while decoding.
func (v *Vocabulary) IsSpecial(id TokenId) bool {
	if id < 0 || int(id) >= len(v.IdToToken) {
		return false
	}
	pieceType := v.IdToToken[id].PieceType
	return pieceType == sentencepiece.CONTROL || pieceType == sentencepiece.UNKNOWN
}
