package sentencepiece

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"google.golang.org/protobuf/encoding/protowire"
)

// See: https://github.com/google/sentencepiece/blob/022f8c3fed4d2feb4e4c670949cf01cef477dcc4/src/sentencepiece_model.proto

type ModelProto struct {
	// Sentence pieces with scores.
	Pieces []SentencePiece // num: 1
	// Spec used to generate this model file.
	TrainerSpec TrainerSpec // num: 2
	// Spec for text normalization.
	NormalizerSpec NormalizerSpec // num: 3
}

var extractHexadecimalPiece = *regexp.MustCompile(`^<0x([0-9A-Fa-f]{2})>$`)

type SentencePiece struct {
	Piece     string // piece must not be empty.
	Score     float32
	PieceType Type //[default = NORMAL];

	ByteFallback byte
}

func newSentencePiece(piece string, score float32, pieceType Type) SentencePiece {
	result := SentencePiece{
		Piece:     piece,
		Score:     score,
		PieceType: pieceType,
	}
	if result.PieceType == BYTE {
		match := extractHexadecimalPiece.FindStringSubmatch(result.Piece)
		if len(match) >= 2 {
			byteValue, err := hex.DecodeString(match[1])
			if err == nil && len(byteValue) == 1 {
				result.ByteFallback = byteValue[0]
			}
		}
	}
	return result
}

func (sp SentencePiece) String() string {
	return fmt.Sprintf("\"%s\" score: %f, type: %s", sp.Piece, sp.Score, sp.PieceType)
}

type ModelType byte

const (
	UNIGRAM ModelType = 1
	BPE     ModelType = 2
	WORD    ModelType = 3
	CHAR    ModelType = 4
)

type TrainerSpec struct {
	ModelType    ModelType // num: 3 [default = UNIGRAM]
	VocabSize    int32     // num: 4 [default = 8000]
	ByteFallback bool      // num: 35 [default = false]

	UnkId int32 // num: 40 [default = 0]
	BosId int32 // num: 41 [default = 1]
	EosId int32 // num: 42 [default = 2]
	PadId int32 // num: 43 [default = -1]
}

func newTrainerSpec() TrainerSpec {
	return TrainerSpec{
		ModelType: UNIGRAM,
		VocabSize: 8000,
		UnkId:     0,
		BosId:     1,
		EosId:     2,
		PadId:     -1,
	}
}

type NormalizerSpec struct {
	// name of normalization rule.
	Name string //num:1

	// Pre-compiled normalization rule created by
	// Builder::GetPrecompiledCharsMap() or Builder::CompileCharsMap() method.
	PrecompiledCharsmap []byte //num: 2

	// Adds dummy whitespace at the beginning of text in order to
	// treat "world" in "world" and "hello world" in the same way.
	AddDummyPrefix bool //num: 3 [default = true];

	// Removes leading, trailing, and duplicate internal whitespace.
	RemoveExtraWhitespaces bool //num: 4 [default = true];

	// Replaces whitespace with meta symbol.
	EscapeWhitespaces bool //num: 5 [default = true];

	// Custom normalization rule file in TSV format.
	NormalizationRuleTsv string //num: 6;
}

func newNormalizerSpec() NormalizerSpec {
	return NormalizerSpec{
		AddDummyPrefix:         true,
		RemoveExtraWhitespaces: true,
		EscapeWhitespaces:      true,
	}
}

type Type byte

const (
	NORMAL       Type = 1 // normal symbol
	UNKNOWN      Type = 2 // unknown symbol. only <unk> for now.
	CONTROL      Type = 3 // control symbols. </s>, <s>, <2ja> etc.
	USER_DEFINED Type = 4 // user defined symbols. Typical usage of USER_DEFINED symbol is placeholder.
	BYTE         Type = 6 // byte symbols. Used when `byte_fallback` is true.
	UNUSED       Type = 5 // this piece is not used.
)

func (t Type) String() string {
	switch t {
	case NORMAL:
		return "NORMAL"
	case UNKNOWN:
		return "UNKNOWN"
	case CONTROL:
		return "CONTROL"
	case USER_DEFINED:
		return "USER_DEFINED"
	case BYTE:
		return "BYTE"
	case UNUSED:
		return "UNUSED"
	default:
		return "?"
	}
}

var sentencePieceDescriptor = ProtoDescriptor[SentencePiece]{
	MessageProcessorFns: map[protowire.Number]func(*SentencePiece, Message) error{
		1: func(sp *SentencePiece, message Message) error {
			sp.Piece = message.Text()
			return nil
		},
		2: func(sp *SentencePiece, message Message) error {
			sp.Score = message.Float32()
			return nil
		},
		3: func(sp *SentencePiece, message Message) error {
			sp.PieceType = Type(message.Scalar)
			return nil
		},
	},
}

var trainerSpecDescriptor = ProtoDescriptor[TrainerSpec]{
	MessageProcessorFns: map[protowire.Number]func(*TrainerSpec, Message) error{
		3: func(ts *TrainerSpec, message Message) error {
			ts.ModelType = ModelType(message.Scalar)
			return nil
		},
		4: func(ts *TrainerSpec, message Message) error {
			ts.VocabSize = message.Int32()
			return nil
		},
		35: func(ts *TrainerSpec, message Message) error {
			ts.ByteFallback = message.Bool()
			return nil
		},
		40: func(ts *TrainerSpec, message Message) error {
			ts.UnkId = message.Int32()
			return nil
		},
		41: func(ts *TrainerSpec, message Message) error {
			ts.BosId = message.Int32()
			return nil
		},
		42: func(ts *TrainerSpec, message Message) error {
			ts.EosId = message.Int32()
			return nil
		},
		43: func(ts *TrainerSpec, message Message) error {
			ts.PadId = message.Int32()
			return nil
		},
	},
}

var normalizerSpecDescriptor = ProtoDescriptor[NormalizerSpec]{
	MessageProcessorFns: map[protowire.Number]func(*NormalizerSpec, Message) error{
		1: func(ns *NormalizerSpec, message Message) error {
			ns.Name = message.Text()
			return nil
		},
		2: func(ns *NormalizerSpec, message Message) error {
			ns.PrecompiledCharsmap = message.Bytes
			return nil
		},
		3: func(ns *NormalizerSpec, message Message) error {
			ns.AddDummyPrefix = message.Bool()
			return nil
		},
		4: func(ns *NormalizerSpec, message Message) error {
			ns.RemoveExtraWhitespaces = message.Bool()
			return nil
		},
		5: func(ns *NormalizerSpec, message Message) error {
			ns.EscapeWhitespaces = message.Bool()
			return nil
		},
		6: func(ns *NormalizerSpec, message Message) error {
			ns.NormalizationRuleTsv = message.Text()
			return nil
		},
	},
}

var modelprotoDescriptor = ProtoDescriptor[ModelProto]{
	MessageProcessorFns: map[protowire.Number]func(*ModelProto, Message) error{
		1: func(mo *ModelProto, message Message) error {
			sp := SentencePiece{PieceType: NORMAL}
			if err := sentencePieceDescriptor.Unmarshal(message.Bytes, &sp); err != nil {
				return err
			}
			if sp.Piece == "" {
				return fmt.Errorf("piece %d is empty", len(mo.Pieces))
			}
			mo.Pieces = append(mo.Pieces, newSentencePiece(sp.Piece, sp.Score, sp.PieceType))
			return nil
		},
		2: func(mo *ModelProto, message Message) error {
			return trainerSpecDescriptor.Unmarshal(message.Bytes, &mo.TrainerSpec)
		},
		3: func(mo *ModelProto, message Message) error {
			return normalizerSpecDescriptor.Unmarshal(message.Bytes, &mo.NormalizerSpec)
		},
	},
}
