package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/inference"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/apoorvam/goterminal"
	"github.com/spf13/cobra"
)

const B_INST, E_INST = "[INST]", "[/INST]"

func newGenerateCmd() *cobra.Command {
	var (
		prompt       string
		isChatModel  bool
		maxNewTokens int
		seed         int64
		greedy       bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a continuation of a prompt on the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyModelDirFlag(cmd)
			if isChatModel {
				prompt = fmt.Sprintf("%s %s %s", B_INST, strings.TrimSpace(prompt), E_INST)
			}

			inferenceArgs := cfg.InferenceArgs()
			if cmd.Flags().Changed("max-new-tokens") {
				inferenceArgs.MaxNewTokens = maxNewTokens
			}
			if cmd.Flags().Changed("seed") {
				inferenceArgs.Seed = seed
			}
			if greedy {
				inferenceArgs.DoSample = false
			}
			if err := inferenceArgs.Validate(); err != nil {
				return err
			}

			llamaModel, err := loadModel(cfg)
			if err != nil {
				return err
			}
			defer llamaModel.Free()
			engine := inference.NewInferenceEngine(llamaModel, inferenceArgs, inference.EngineOptions{})
			defer engine.Close()

			var consoleMeasure *goterminal.Writer
			if isTerminal(os.Stdout) {
				consoleMeasure = goterminal.New(os.Stdout)
			}
			appState := newAppState(os.Stdout, consoleMeasure)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			result, err := runGeneration(ctx, engine, prompt, inferenceArgs, appState)
			if errors.Is(err, context.Canceled) {
				common.GLogger.ConsolePrintf("Generation interrupted")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("\n%c[1mResult:%c[0m %s\n", esc, esc, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "Hello my name is", "text to continue")
	cmd.Flags().BoolVar(&isChatModel, "chat", false, "wrap the prompt in [INST] [/INST] for chat models")
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 150, "tokens to generate after the prompt, 0 until the end of the context")
	cmd.Flags().Int64Var(&seed, "seed", -1, "random seed, -1 for a random one")
	cmd.Flags().BoolVar(&greedy, "greedy", false, "always pick the most probable token")
	return cmd
}

// runGeneration streams tokens of one generation into appState and returns the decoded prompt with its continuation.
func runGeneration(ctx context.Context, engine *inference.InferenceEngine, prompt string, inferenceArgs common.InferenceArgs, appState *AppState) (string, error) {
	tokens, err := engine.Tokenize(prompt, true)
	if err != nil {
		return "", err
	}

	var promptText string
	appState.promptTokens, promptText = engine.TokenBatchToString(tokens)
	appState.promptText = strings.TrimPrefix(promptText, " ")
	appState.sequenceLength = engine.SequenceLength(inferenceArgs)
	if inferenceArgs.MaxNewTokens > 0 {
		appState.sequenceLength = min(appState.sequenceLength, len(tokens)+inferenceArgs.MaxNewTokens)
	}
	appState.startTimeTotal = time.Now()
	appState.startTimeToken = appState.startTimeTotal
	appState.updateOutput()

	generatedTokens := make([]model.TokenId, 0)
	generatedTokensCh, errorCh := engine.Generate(ctx, tokens, inferenceArgs)
	for generatedTokenId := range generatedTokensCh {
		generatedTokens = append(generatedTokens, generatedTokenId)
		appState.addGeneratedToken(engine, generatedTokenId)
		appState.updateOutput()
		appState.startTimeToken = time.Now()
	}
	if err := <-errorCh; err != nil {
		return "", err
	}
	return engine.Decode(append(tokens, generatedTokens...)), nil
}
