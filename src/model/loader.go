package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/sentencepiece"
	"github.com/adalkiran/llama-serve/src/torch"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

type LoadOptions struct {
	CheckpointGlob string // relative to the model directory
	ParamsFile     string
	TokenizerFile  string

	// ProgressFn is called after every loading step, total stays the same during a load.
	ProgressFn func(done int, total int, description string)
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		CheckpointGlob: "consolidated.*.pth",
		ParamsFile:     "params.json",
		TokenizerFile:  "tokenizer.model",
	}
}

// LoadModelEx loads the Meta Llama checkpoint, configuration and tokenizer found in modelDir.
func LoadModelEx(modelDir string, options LoadOptions) (*Model, error) {
	const totalSteps = 4
	progress := func(done int, description string) {
		if options.ProgressFn != nil {
			options.ProgressFn(done, totalSteps, description)
		}
	}

	modelArgs, err := loadModelArgs(filepath.Join(modelDir, options.ParamsFile))
	if err != nil {
		return nil, err
	}
	progress(1, "model configuration")

	vocabulary, err := loadVocab(filepath.Join(modelDir, options.TokenizerFile))
	if err != nil {
		return nil, err
	}
	progress(2, "tokenizer")

	modelFilePath, err := findCheckpoint(modelDir, options.CheckpointGlob)
	if err != nil {
		return nil, err
	}
	common.GLogger.ConsolePrintf("Loading model file: \"%s\"...", modelFilePath)
	torchModelReader, err := torch.NewTorchModelReader(modelFilePath)
	if err != nil {
		return nil, err
	}
	modelTensors, err := torchModelReader.Load()
	if err != nil {
		torchModelReader.Close()
		return nil, err
	}
	common.GLogger.ConsolePrintf("Found %d tensors in the model.", modelTensors.Len())
	progress(3, "checkpoint")

	model, err := NewModel(modelTensors, modelArgs, vocabulary)
	if err != nil {
		torchModelReader.Close()
		return nil, err
	}
	model.torchModelReader = torchModelReader
	progress(4, "transformer")

	printMeta(model)
	return model, nil
}

func findCheckpoint(modelDir string, pattern string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(modelDir), pattern)
	if err != nil {
		return "", fmt.Errorf("cannot search checkpoint files with pattern \"%s\": %w", pattern, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no checkpoint file matching \"%s\" found in \"%s\"", pattern, modelDir)
	case 1:
		return filepath.Join(modelDir, matches[0]), nil
	}
	slices.Sort(matches)
	return "", fmt.Errorf("sharded checkpoints are not supported, found %d files: %s", len(matches), strings.Join(matches, ", "))
}

func loadModelArgs(configFilePath string) (*ModelArgs, error) {
	common.GLogger.ConsolePrintf("Loading model configuration file: \"%s\"...", configFilePath)
	modelArgs, err := loadModelArgsFromFile(configFilePath)
	if err != nil {
		return nil, err
	}
	common.GLogger.ConsolePrintf("Model configuration: %v", *modelArgs)
	return modelArgs, nil
}

func loadVocab(vocabFilePath string) (*Vocabulary, error) {
	common.GLogger.ConsolePrintf("Loading vocabulary/tokens file: \"%s\"...", vocabFilePath)
	vocabModelProto, err := sentencepiece.Load(vocabFilePath)
	if err != nil {
		return nil, err
	}
	vocabulary := NewVocabulary(vocabModelProto)
	common.GLogger.ConsolePrintf("Found %d tokens in the model.", vocabulary.Len())
	return vocabulary, nil
}

func printMeta(model *Model) {
	var sb strings.Builder
	sb.WriteString("\nTensors:\n")
	sb.WriteString("=================================\n")
	for i, tensorName := range model.Tensors.GetKeys() {
		tensor, _ := model.Tensors.Get(tensorName)
		fmt.Fprintf(&sb, "Tensor %4d: %-48s | %-6s | %v\n", i, tensorName, tensor.DataType.Name, tensor.Size)
	}

	sb.WriteString("\nModel Metadata:\n")
	sb.WriteString("=================================\n")

	modelArgs := model.ModelArgs
	fmt.Fprintf(&sb, "%-60s = %s\n", "Format", "Torch model")
	fmt.Fprintf(&sb, "%-60s = %s\n", "Architecture", model.ModelArchitecture.String())
	fmt.Fprintf(&sb, "%-60s = %s\n", "Vocabulary type", "SPM (SentencePiece)")
	fmt.Fprintf(&sb, "%-60s = %d\n", "VocabSize (tokenizer length)", modelArgs.VocabSize)
	fmt.Fprintf(&sb, "%-60s = %d\n", "MaxSequenceLength (max context length)", modelArgs.MaxSequenceLength)
	fmt.Fprintf(&sb, "%-60s = %d\n", "Dim (embedding dimension)", modelArgs.Dim)
	fmt.Fprintf(&sb, "%-60s = %d\n", "N_Heads (attention head count)", modelArgs.N_Heads)
	fmt.Fprintf(&sb, "%-60s = %d\n", "N_KVHeads (attention head count KV)", modelArgs.N_KVHeads)
	fmt.Fprintf(&sb, "%-60s = %d\n", "N_Layers (layer count)", modelArgs.N_Layers)
	fmt.Fprintf(&sb, "%-60s = %.1e\n", "NormEpsilon (attention layernorm epsilon)", modelArgs.NormEpsilon)
	fmt.Fprintf(&sb, "%-60s = %.0f\n", "RopeTheta (rotary embedding base)", modelArgs.RopeTheta)
	fmt.Fprintf(&sb, "%-60s = %d\n", "HeadDim (dimension of each attention head)", modelArgs.HeadDim)
	fmt.Fprintf(&sb, "%-60s = %d\n", "FFNHiddenDim (feed forward network hidden layer dimension)", modelArgs.FFNHiddenDim())

	fmt.Fprintf(&sb, "%-60s = %s\n", "Model type", model.ModelType.String())
	elementCount := float64(model.GetElementCount())
	fmt.Fprintf(&sb, "%-60s = %.2f B\n", "Model element count", elementCount*1e-9)
	bytesCount := float64(model.GetBytesCount())
	if elementCount > 0 {
		bitsPerElement := 8 * bytesCount / elementCount
		fmt.Fprintf(&sb, "%-60s = %s (%.2f bits per element)\n", "Model size", humanize.IBytes(uint64(bytesCount)), bitsPerElement)
	}
	common.GLogger.DebugPrintf("%s", sb.String())
}

func getTensor(model *Model, name string, expectedShape []int) (*ml.Tensor, error) {
	result, ok := model.Tensors.Get(name)
	if !ok {
		return nil, fmt.Errorf("tensor \"%s\" not found", name)
	}
	if !slices.Equal(result.Size, expectedShape) {
		return nil, fmt.Errorf("tensor \"%s\" has incorrect shape; expected %v, got %v", name, expectedShape, result.Size)
	}
	return result, nil
}

func getLayerTensor(model *Model, nameFormat string, layerIndex int, expectedShape []int) (*ml.Tensor, error) {
	name := fmt.Sprintf(nameFormat, layerIndex)
	return getTensor(model, name, expectedShape)
}
