package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/jellydator/ttlcache/v3"
)

var ErrPromptTooLong = fmt.Errorf("prompt is too long: %w", model.ErrContextLengthExceeded)

type StopReason string

const (
	StopReasonEndOfSentence StopReason = "eos"
	StopReasonMaxNewTokens  StopReason = "max_new_tokens"
	StopReasonContextLength StopReason = "context_length"
)

type EngineOptions struct {
	PromptCacheTTL      time.Duration // 0 disables the prompt token cache
	PromptCacheCapacity uint64
}

type InferenceEngine struct {
	model         *model.Model
	inferenceArgs common.InferenceArgs

	promptCache *ttlcache.Cache[string, []model.TokenId]
}

type GenerationResult struct {
	Text            string
	PromptTokens    []model.TokenId
	GeneratedTokens []model.TokenId
	StopReason      StopReason
	Duration        time.Duration
}

func NewInferenceEngine(llamaModel *model.Model, inferenceArgs common.InferenceArgs, options EngineOptions) *InferenceEngine {
	ie := &InferenceEngine{
		model:         llamaModel,
		inferenceArgs: inferenceArgs,
	}
	if options.PromptCacheTTL > 0 {
		cacheOptions := []ttlcache.Option[string, []model.TokenId]{
			ttlcache.WithTTL[string, []model.TokenId](options.PromptCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []model.TokenId](),
		}
		if options.PromptCacheCapacity > 0 {
			cacheOptions = append(cacheOptions, ttlcache.WithCapacity[string, []model.TokenId](options.PromptCacheCapacity))
		}
		ie.promptCache = ttlcache.New[string, []model.TokenId](cacheOptions...)
		go ie.promptCache.Start()
	}
	return ie
}

// Close stops the expiration loop of the prompt cache, the model is not freed.
func (ie *InferenceEngine) Close() {
	if ie.promptCache != nil {
		ie.promptCache.Stop()
	}
}

func (ie *InferenceEngine) Model() *model.Model {
	return ie.model
}

// InferenceArgs returns the defaults the engine was created with.
func (ie *InferenceEngine) InferenceArgs() common.InferenceArgs {
	return ie.inferenceArgs
}

// SequenceLength returns the context size a generation with args can use.
func (ie *InferenceEngine) SequenceLength(args common.InferenceArgs) int {
	maxSequenceLength := ie.model.ModelArgs.MaxSequenceLength
	if args.SequenceLength > 0 && args.SequenceLength < maxSequenceLength {
		return args.SequenceLength
	}
	return maxSequenceLength
}

// Generate streams generated token ids after the prompt. The token channel is closed when
// generation ends, then at most one error is available on the error channel.
func (ie *InferenceEngine) Generate(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (<-chan model.TokenId, <-chan error) {
	// See: https://betterprogramming.pub/writing-a-stream-api-in-go-afbc3c4350e2
	generatedTokensCh := make(chan model.TokenId)
	errorCh := make(chan error, 1)
	go func() {
		defer func() {
			close(generatedTokensCh)
			close(errorCh)
		}()
		if err := ie.generateInternal(ctx, promptTokens, args, generatedTokensCh); err != nil {
			errorCh <- err
		}
	}()
	return generatedTokensCh, errorCh
}

func (ie *InferenceEngine) generateInternal(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs, generatedTokensCh chan<- model.TokenId) error {
	if ie == nil || ie.model == nil {
		return model.ErrModelNotLoaded
	}
	if err := args.Validate(); err != nil {
		return err
	}
	if len(promptTokens) == 0 {
		return errors.New("prompt must contain at least one token")
	}
	sequenceLength := ie.SequenceLength(args)
	if len(promptTokens) >= sequenceLength {
		return fmt.Errorf("%w: %d tokens, context length is %d", ErrPromptTooLong, len(promptTokens), sequenceLength)
	}
	if args.MaxNewTokens > 0 && args.MaxNewTokens < sequenceLength-len(promptTokens) {
		sequenceLength = len(promptTokens) + args.MaxNewTokens
	}

	infContext, err := model.NewInferenceContext(ie.model, sequenceLength)
	if err != nil {
		return err
	}
	sampler := NewSampler(args)

	inputTokens := promptTokens
	startPos := 0
	for curPos := len(promptTokens); curPos < sequenceLength; curPos++ {
		logits, err := ie.model.Transformer.Forward(ctx, infContext, inputTokens, startPos)
		if err != nil {
			return err
		}
		logitValues, err := logits.Float32s()
		if err != nil {
			return err
		}
		nextTokenId := sampler.Sample(logitValues)
		select {
		case generatedTokensCh <- nextTokenId:
		case <-ctx.Done():
			return ctx.Err()
		}
		if nextTokenId == ie.model.Vocabulary.EndOfSentenceId {
			break
		}
		startPos = curPos
		inputTokens = []model.TokenId{nextTokenId}
	}
	return nil
}

// GenerateText tokenizes prompt, generates a continuation and decodes the prompt together with it.
func (ie *InferenceEngine) GenerateText(ctx context.Context, prompt string, args common.InferenceArgs) (*GenerationResult, error) {
	if ie == nil || ie.model == nil {
		return nil, model.ErrModelNotLoaded
	}
	startTime := time.Now()
	promptTokens, err := ie.Tokenize(prompt, true)
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{
		PromptTokens:    promptTokens,
		GeneratedTokens: make([]model.TokenId, 0),
	}
	generatedTokensCh, errorCh := ie.Generate(ctx, promptTokens, args)
	for tokenId := range generatedTokensCh {
		result.GeneratedTokens = append(result.GeneratedTokens, tokenId)
	}
	if err := <-errorCh; err != nil {
		return nil, err
	}

	generatedCount := len(result.GeneratedTokens)
	switch {
	case generatedCount > 0 && result.GeneratedTokens[generatedCount-1] == ie.model.Vocabulary.EndOfSentenceId:
		result.StopReason = StopReasonEndOfSentence
	case args.MaxNewTokens > 0 && generatedCount == args.MaxNewTokens:
		result.StopReason = StopReasonMaxNewTokens
	default:
		result.StopReason = StopReasonContextLength
	}

	allTokens := make([]model.TokenId, 0, len(promptTokens)+generatedCount)
	allTokens = append(allTokens, promptTokens...)
	allTokens = append(allTokens, result.GeneratedTokens...)
	result.Text = ie.Decode(allTokens)
	result.Duration = time.Since(startTime)

	common.GLogger.DebugPrintf("Generated %d tokens in %v, stop reason: %s", generatedCount, result.Duration, result.StopReason)
	return result, nil
}
