package inference

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/adalkiran/llama-serve/src/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tinyHelloId     = model.TokenId(271) // ▁hello
	tinyWorldId     = model.TokenId(276) // ▁world
	tinyWhitespace  = model.TokenId(259)
	tinyHId         = model.TokenId(260)
	tinyLloId       = model.TokenId(269)
	tinyFirstByteId = model.TokenId(3)
)

func newTestEngine(t *testing.T, options EngineOptions) *InferenceEngine {
	t.Helper()
	tinyModel, err := modeltest.NewTinyModel(11)
	require.NoError(t, err)
	ie := NewInferenceEngine(tinyModel, common.NewInferenceArgs(), options)
	t.Cleanup(ie.Close)
	return ie
}

func greedyArgs(maxNewTokens int) common.InferenceArgs {
	args := common.NewInferenceArgs()
	args.DoSample = false
	args.MaxNewTokens = maxNewTokens
	return args
}

func TestTokenize(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})

	tokens, err := ie.Tokenize("hello world", true)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{1, tinyHelloId, tinyWorldId}, tokens)

	tokens, err = ie.Tokenize("hello world", false)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{tinyHelloId, tinyWorldId}, tokens)

	// é has no piece, its UTF-8 bytes are used
	tokens, err = ie.Tokenize("héllo", false)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{tinyWhitespace, tinyHId, tinyFirstByteId + 0xC3, tinyFirstByteId + 0xA9, tinyLloId}, tokens)

	// an encoded U+FFFD keeps all of its bytes
	tokens, err = ie.Tokenize("a\uFFFDb", true)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{1, tinyWhitespace, tinyFirstByteId + 'a', tinyFirstByteId + 0xEF, tinyFirstByteId + 0xBF, tinyFirstByteId + 0xBD, tinyFirstByteId + 'b'}, tokens)
	assert.Equal(t, "a\uFFFDb", ie.Decode(tokens))

	tokens, err = ie.Tokenize("", true)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{1}, tokens)

	batch, err := ie.TokenizeBatch([]string{"hello", "world"}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]model.TokenId{{tinyHelloId}, {tinyWorldId}}, batch)
}

func TestNormalize(t *testing.T) {
	vocabulary := &model.Vocabulary{RemoveExtraWhitespaces: true}
	assert.Equal(t, "a\tb"+whitespaceEscapeToken+"c", normalize("  a\tb   c ", vocabulary))
	assert.Equal(t, "", normalize("   ", vocabulary))

	vocabulary.AddDummyPrefix = true
	assert.Equal(t, whitespaceEscapeToken+"a\u3000b", normalize("a\u3000b", vocabulary))

	vocabulary = &model.Vocabulary{NormalizerName: "nmt_nfkc"}
	assert.Equal(t, "A"+whitespaceEscapeToken+whitespaceEscapeToken+"1", normalize("Ａ  ¹", vocabulary))
}

func TestTokenizeNotLoaded(t *testing.T) {
	var ie *InferenceEngine
	_, err := ie.Tokenize("hello", true)
	assert.ErrorIs(t, err, model.ErrModelNotLoaded)
}

func TestDecode(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})

	assert.Equal(t, "hello world", ie.Decode([]model.TokenId{1, tinyHelloId, tinyWorldId, 2}))
	assert.Equal(t, "héllo", ie.Decode([]model.TokenId{1, tinyWhitespace, tinyHId, tinyFirstByteId + 0xC3, tinyFirstByteId + 0xA9, tinyLloId}))
	// a lone continuation byte
	assert.Equal(t, "hello�", ie.Decode([]model.TokenId{tinyHelloId, tinyFirstByteId + 0xA9}))
	assert.Equal(t, "", ie.Decode(nil))

	for _, text := range []string{"hello world", "héllo wörld", "hello  world"} {
		tokens, err := ie.Tokenize(text, true)
		require.NoError(t, err)
		assert.Equal(t, text, ie.Decode(tokens))
	}
}

func TestTokenToString(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})
	waitingBytes := make([]byte, 0)

	_, str, waiting := ie.TokenToString(tinyFirstByteId+0xC3, &waitingBytes)
	assert.Equal(t, "", str)
	assert.True(t, waiting)

	_, str, waiting = ie.TokenToString(tinyFirstByteId+0xA9, &waitingBytes)
	assert.Equal(t, "é", str)
	assert.False(t, waiting)
	assert.Empty(t, waitingBytes)

	_, str, _ = ie.TokenToString(tinyWorldId, &waitingBytes)
	assert.Equal(t, " world", str)

	_, str, _ = ie.TokenToString(2, &waitingBytes)
	assert.Equal(t, "", str)

	_, str, _ = ie.TokenToString(100000, &waitingBytes)
	assert.Equal(t, unknownOutputToken, str)

	_, text := ie.TokenBatchToString([]model.TokenId{tinyHelloId, tinyWorldId})
	assert.Equal(t, " hello world", text)

	assert.Contains(t, ie.TokenBatchToDebugString([]model.TokenId{tinyHelloId, 100000}), "UNKNOWN ID")
}

func TestPromptCache(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{PromptCacheTTL: time.Minute, PromptCacheCapacity: 8})

	first, err := ie.Tokenize("hello world", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ie.promptCache.Len())

	first[0] = 42
	second, err := ie.Tokenize("hello world", true)
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{1, tinyHelloId, tinyWorldId}, second)
	assert.Equal(t, 1, ie.promptCache.Len())

	_, err = ie.Tokenize("hello world", false)
	require.NoError(t, err)
	assert.Equal(t, 2, ie.promptCache.Len())
}

func TestPromptCacheExpiry(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{PromptCacheTTL: time.Millisecond})

	_, err := ie.Tokenize("hello", true)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, ie.promptCache.Get(promptCacheKey("hello", true)))
}

func TestGenerateTextGreedy(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})

	result, err := ie.GenerateText(context.Background(), "hello world", greedyArgs(5))
	require.NoError(t, err)
	assert.Equal(t, []model.TokenId{1, tinyHelloId, tinyWorldId}, result.PromptTokens)
	assert.NotEmpty(t, result.GeneratedTokens)
	assert.LessOrEqual(t, len(result.GeneratedTokens), 5)
	assert.Contains(t, []StopReason{StopReasonEndOfSentence, StopReasonMaxNewTokens}, result.StopReason)
	assert.Equal(t, ie.Decode(append(result.PromptTokens, result.GeneratedTokens...)), result.Text)

	again, err := ie.GenerateText(context.Background(), "hello world", greedyArgs(5))
	require.NoError(t, err)
	assert.Equal(t, result.GeneratedTokens, again.GeneratedTokens)
}

func TestGenerateTextSeeded(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})
	args := common.NewInferenceArgs()
	args.Seed = 1234
	args.MaxNewTokens = 8

	first, err := ie.GenerateText(context.Background(), "hello", args)
	require.NoError(t, err)
	second, err := ie.GenerateText(context.Background(), "hello", args)
	require.NoError(t, err)
	assert.Equal(t, first.GeneratedTokens, second.GeneratedTokens)
	assert.Equal(t, first.Text, second.Text)
}

func TestGenerateContextLength(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})

	args := greedyArgs(0)
	args.SequenceLength = 2
	_, err := ie.GenerateText(context.Background(), "hello world", args)
	assert.ErrorIs(t, err, ErrPromptTooLong)
	assert.True(t, errors.Is(err, model.ErrContextLengthExceeded))

	args.SequenceLength = 5
	result, err := ie.GenerateText(context.Background(), "hello world", args)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.GeneratedTokens), 2)
	if result.StopReason != StopReasonEndOfSentence {
		assert.Equal(t, StopReasonContextLength, result.StopReason)
	}

	// max new tokens beyond the context is limited by the context
	args = greedyArgs(math.MaxInt)
	result, err = ie.GenerateText(context.Background(), "hello world", args)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.PromptTokens)+len(result.GeneratedTokens), ie.Model().ModelArgs.MaxSequenceLength)
}

func TestGenerateErrors(t *testing.T) {
	ie := newTestEngine(t, EngineOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ie.GenerateText(ctx, "hello", greedyArgs(5))
	assert.ErrorIs(t, err, context.Canceled)

	args := greedyArgs(5)
	args.TopP = 0
	_, err = ie.GenerateText(context.Background(), "hello", args)
	assert.Error(t, err)

	tokensCh, errCh := ie.Generate(context.Background(), nil, greedyArgs(5))
	for range tokensCh {
		t.Fatal("no token expected")
	}
	assert.Error(t, <-errCh)

	var notLoaded *InferenceEngine
	_, err = notLoaded.GenerateText(context.Background(), "hello", greedyArgs(5))
	assert.ErrorIs(t, err, model.ErrModelNotLoaded)
}

func TestSamplerGreedy(t *testing.T) {
	logits := []float32{0.1, 3, -2, 2.9}

	assert.Equal(t, model.TokenId(1), NewSampler(greedyArgs(1)).Sample(logits))

	args := common.NewInferenceArgs()
	args.Temperature = 0
	assert.Equal(t, model.TokenId(1), NewSampler(args).Sample(logits))

	args = common.NewInferenceArgs()
	args.TopK = 1
	sampler := NewSampler(args)
	for i := 0; i < 20; i++ {
		assert.Equal(t, model.TokenId(1), sampler.Sample(logits))
	}

	args = common.NewInferenceArgs()
	args.TopK = 0
	args.TopP = 0.01
	sampler = NewSampler(args)
	for i := 0; i < 20; i++ {
		assert.Equal(t, model.TokenId(1), sampler.Sample(logits))
	}
}

func TestSamplerDistribution(t *testing.T) {
	args := common.NewInferenceArgs()
	args.Seed = 7
	args.Temperature = 1
	args.TopK = 0
	args.TopP = 1
	sampler := NewSampler(args)

	// probabilities 0.25 and 0.75
	logits := []float32{0, float32(math.Log(3))}
	counts := make([]int, 2)
	const n = 10000
	for i := 0; i < n; i++ {
		counts[sampler.Sample(logits)]++
	}
	assert.InDelta(t, 0.75, float64(counts[1])/n, 0.03)

	// top_p 0.7 keeps only the most probable token
	args.TopP = 0.7
	sampler = NewSampler(args)
	for i := 0; i < 100; i++ {
		assert.Equal(t, model.TokenId(1), sampler.Sample(logits))
	}
}

func TestWithEmojiAlias(t *testing.T) {
	assert.Equal(t, "hello", withEmojiAlias("hello"))
	withAlias := withEmojiAlias("\U0001F600")
	assert.True(t, strings.HasPrefix(withAlias, "\U0001F600["), withAlias)
	assert.Contains(t, withAlias, "grinning")
}
