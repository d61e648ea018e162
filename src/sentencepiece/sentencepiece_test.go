package sentencepiece

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendPiece(b []byte, piece string, score float32, pieceType Type) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendString(msg, piece)
	msg = protowire.AppendTag(msg, 2, protowire.Fixed32Type)
	msg = protowire.AppendFixed32(msg, math.Float32bits(score))
	if pieceType != NORMAL {
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(pieceType))
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func testModelBytes() []byte {
	var b []byte
	b = appendPiece(b, "<unk>", 0, UNKNOWN)
	b = appendPiece(b, "<s>", 0, CONTROL)
	b = appendPiece(b, "</s>", 0, CONTROL)
	b = appendPiece(b, "<0x0A>", 0, BYTE)
	b = appendPiece(b, "▁hello", -1.5, NORMAL)

	var trainer []byte
	trainer = protowire.AppendTag(trainer, 3, protowire.VarintType)
	trainer = protowire.AppendVarint(trainer, uint64(BPE))
	trainer = protowire.AppendTag(trainer, 35, protowire.VarintType)
	trainer = protowire.AppendVarint(trainer, protowire.EncodeBool(true))
	trainer = protowire.AppendTag(trainer, 43, protowire.VarintType)
	// int32 -1 is sign extended to ten bytes on the wire
	trainer = protowire.AppendVarint(trainer, ^uint64(0))
	// an unhandled string field
	trainer = protowire.AppendTag(trainer, 45, protowire.BytesType)
	trainer = protowire.AppendString(trainer, "<unk>")
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, trainer)

	var normalizer []byte
	normalizer = protowire.AppendTag(normalizer, 1, protowire.BytesType)
	normalizer = protowire.AppendString(normalizer, "identity")
	normalizer = protowire.AppendTag(normalizer, 4, protowire.VarintType)
	normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(false))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, normalizer)
	return b
}

func TestUnmarshal(t *testing.T) {
	model, err := Unmarshal(testModelBytes())
	require.NoError(t, err)

	require.Len(t, model.Pieces, 5)
	assert.Equal(t, UNKNOWN, model.Pieces[0].PieceType)
	assert.Equal(t, CONTROL, model.Pieces[1].PieceType)
	assert.Equal(t, byte('\n'), model.Pieces[3].ByteFallback)
	assert.Equal(t, "▁hello", model.Pieces[4].Piece)
	assert.Equal(t, float32(-1.5), model.Pieces[4].Score)
	assert.Equal(t, NORMAL, model.Pieces[4].PieceType)

	assert.Equal(t, BPE, model.TrainerSpec.ModelType)
	assert.True(t, model.TrainerSpec.ByteFallback)
	assert.Equal(t, int32(-1), model.TrainerSpec.PadId)
	assert.Equal(t, int32(1), model.TrainerSpec.BosId)
	assert.Equal(t, int32(2), model.TrainerSpec.EosId)

	assert.Equal(t, "identity", model.NormalizerSpec.Name)
	assert.True(t, model.NormalizerSpec.AddDummyPrefix)
	assert.False(t, model.NormalizerSpec.RemoveExtraWhitespaces)
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.Error(t, err, "a model without pieces")

	truncated := testModelBytes()
	_, err = Unmarshal(truncated[:len(truncated)-3])
	assert.Error(t, err, "a truncated model")

	_, err = Unmarshal(appendPiece(nil, "", 0, NORMAL))
	assert.Error(t, err, "an empty piece")
}

func TestLoadFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "tokenizer.model")
	require.NoError(t, os.WriteFile(filePath, testModelBytes(), 0o644))
	model, err := Load(filePath)
	require.NoError(t, err)
	assert.Len(t, model.Pieces, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.model"))
	assert.Error(t, err)
}
