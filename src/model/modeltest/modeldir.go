package modeltest

import (
	"archive/zip"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adalkiran/llama-serve/src/dtype"
	"github.com/adalkiran/llama-serve/src/pickle"
	"github.com/adalkiran/llama-serve/src/sentencepiece"
	"google.golang.org/protobuf/encoding/protowire"
)

// WriteModelDir writes params.json, tokenizer.model and consolidated.00.pth of a tiny random model
// into dir, laid out like a Meta Llama model directory.
func WriteModelDir(dir string, seed uint64) error {
	modelArgs := TinyModelArgs()
	vocabProto := TinyVocabularyProto()

	params, err := json.Marshal(map[string]any{
		"dim":         modelArgs.Dim,
		"multiple_of": modelArgs.MultipleOf,
		"n_heads":     modelArgs.N_Heads,
		"n_kv_heads":  modelArgs.N_KVHeads,
		"n_layers":    modelArgs.N_Layers,
		"norm_eps":    modelArgs.NormEpsilon,
		"vocab_size":  -1,
		"max_seq_len": modelArgs.MaxSequenceLength,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "params.json"), params, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.model"), MarshalVocabulary(vocabProto), 0o644); err != nil {
		return err
	}

	specs := TensorSpecs(modelArgs, len(vocabProto.Pieces))
	rng := rand.New(rand.NewPCG(seed, seed))
	storages := make([][]byte, len(specs))
	for i, spec := range specs {
		values := RandomValues(rng, spec)
		storages[i] = make([]byte, 2*len(values))
		dtype.EncodeBFloat16LittleEndian(storages[i], values)
	}
	return WriteCheckpoint(filepath.Join(dir, "consolidated.00.pth"), specs, storages)
}

// MarshalVocabulary encodes the fields of a SentencePiece model which the tokenizer uses.
func MarshalVocabulary(modelProto *sentencepiece.ModelProto) []byte {
	var b []byte
	for _, piece := range modelProto.Pieces {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendString(msg, piece.Piece)
		msg = protowire.AppendTag(msg, 2, protowire.Fixed32Type)
		msg = protowire.AppendFixed32(msg, math.Float32bits(piece.Score))
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(piece.PieceType))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	ts := modelProto.TrainerSpec
	var trainer []byte
	for _, field := range []struct {
		num   protowire.Number
		value uint64
	}{
		{3, uint64(ts.ModelType)},
		{4, uint64(ts.VocabSize)},
		{35, protowire.EncodeBool(ts.ByteFallback)},
		{40, uint64(int64(ts.UnkId))},
		{41, uint64(int64(ts.BosId))},
		{42, uint64(int64(ts.EosId))},
		{43, uint64(int64(ts.PadId))},
	} {
		trainer = protowire.AppendTag(trainer, field.num, protowire.VarintType)
		trainer = protowire.AppendVarint(trainer, field.value)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, trainer)

	ns := modelProto.NormalizerSpec
	var normalizer []byte
	normalizer = protowire.AppendTag(normalizer, 1, protowire.BytesType)
	normalizer = protowire.AppendString(normalizer, ns.Name)
	normalizer = protowire.AppendTag(normalizer, 3, protowire.VarintType)
	normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(ns.AddDummyPrefix))
	normalizer = protowire.AppendTag(normalizer, 4, protowire.VarintType)
	normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(ns.RemoveExtraWhitespaces))
	normalizer = protowire.AppendTag(normalizer, 5, protowire.VarintType)
	normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(ns.EscapeWhitespaces))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, normalizer)
}

// WriteCheckpoint writes a torch.save compatible zip whose state dict maps every spec name
// to a BF16 tensor backed by its own storage record.
func WriteCheckpoint(filePath string, specs []TensorSpec, storages [][]byte) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	zipWriter := zip.NewWriter(file)
	w, err := zipWriter.CreateHeader(&zip.FileHeader{Name: "consolidated/data.pkl", Method: zip.Store})
	if err != nil {
		return err
	}
	if _, err := w.Write(stateDictPickle(specs)); err != nil {
		return err
	}
	for i, storage := range storages {
		w, err := zipWriter.CreateHeader(&zip.FileHeader{Name: "consolidated/data/" + strconv.Itoa(i), Method: zip.Store})
		if err != nil {
			return err
		}
		if _, err := w.Write(storage); err != nil {
			return err
		}
	}
	return zipWriter.Close()
}

type pickleWriter struct {
	data []byte
}

func (pw *pickleWriter) op(ops ...byte) {
	pw.data = append(pw.data, ops...)
}

func (pw *pickleWriter) str(s string) {
	pw.data = append(pw.data, pickle.BINUNICODE)
	pw.data = binary.LittleEndian.AppendUint32(pw.data, uint32(len(s)))
	pw.data = append(pw.data, s...)
}

func (pw *pickleWriter) integer(v int) {
	pw.data = append(pw.data, pickle.BININT)
	pw.data = binary.LittleEndian.AppendUint32(pw.data, uint32(int32(v)))
}

func (pw *pickleWriter) global(module string, name string) {
	pw.data = append(pw.data, pickle.GLOBAL)
	pw.data = append(pw.data, module+"\n"+name+"\n"...)
}

func (pw *pickleWriter) tuple(values []int) {
	pw.op(pickle.MARK)
	for _, v := range values {
		pw.integer(v)
	}
	pw.op(pickle.TUPLE)
}

func stateDictPickle(specs []TensorSpec) []byte {
	pw := &pickleWriter{}
	pw.op(pickle.PROTO, 2)
	pw.global("collections", "OrderedDict")
	pw.op(pickle.EMPTY_TUPLE, pickle.REDUCE, pickle.MARK)
	for i, spec := range specs {
		count := 1
		for _, dim := range spec.Size {
			count *= dim
		}
		stride := make([]int, len(spec.Size))
		step := 1
		for d := len(spec.Size) - 1; d >= 0; d-- {
			stride[d] = step
			step *= spec.Size[d]
		}

		pw.str(spec.Name)
		pw.global("torch._utils", "_rebuild_tensor_v2")
		pw.op(pickle.MARK)
		// persistent id: ('storage', torch.BFloat16Storage, key, 'cpu', numel)
		pw.op(pickle.MARK)
		pw.str("storage")
		pw.global("torch", "BFloat16Storage")
		pw.str(strconv.Itoa(i))
		pw.str("cpu")
		pw.integer(count)
		pw.op(pickle.TUPLE, pickle.BINPERSID)
		pw.integer(0)
		pw.tuple(spec.Size)
		pw.tuple(stride)
		pw.op(pickle.NEWFALSE)
		pw.global("collections", "OrderedDict")
		pw.op(pickle.EMPTY_TUPLE, pickle.REDUCE)
		pw.op(pickle.TUPLE, pickle.REDUCE)
	}
	pw.op(pickle.SETITEMS, pickle.STOP)
	return pw.data
}
