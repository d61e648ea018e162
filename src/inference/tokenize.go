package inference

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/adalkiran/llama-serve/src/sentencepiece"
	"github.com/cespare/xxhash/v2"
	"github.com/enescakir/emoji"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/text/unicode/norm"
)

const (
	whitespaceEscapeToken = model.WhitespaceEscapeToken
	unknownOutputToken    = "\xe2\x96\x85"
)

// promptCacheKey hashes the prompt, so long prompts are not kept twice in memory.
func promptCacheKey(text string, addBeginOfSentence bool) string {
	return fmt.Sprintf("%t:%016x:%d", addBeginOfSentence, xxhash.Sum64String(text), len(text))
}

// Tokenize splits text into SentencePiece BPE tokens, optionally prefixed with the begin of sentence token.
func (ie *InferenceEngine) Tokenize(text string, addBeginOfSentence bool) ([]model.TokenId, error) {
	if ie == nil || ie.model == nil {
		return nil, model.ErrModelNotLoaded
	}
	cacheKey := promptCacheKey(text, addBeginOfSentence)
	if ie.promptCache != nil {
		if item := ie.promptCache.Get(cacheKey); item != nil {
			return slices.Clone(item.Value()), nil
		}
	}

	common.GLogger.DebugPrintf("Tokenizing prompt: \"%s\", addBeginOfSentence: %v", text, addBeginOfSentence)
	result := make([]model.TokenId, 0)
	vocabulary := ie.model.Vocabulary

	if addBeginOfSentence && vocabulary.BeginOfSentenceId != -1 {
		result = append(result, vocabulary.BeginOfSentenceId)
	}
	normalized := normalize(text, vocabulary)
	if len(normalized) > 0 {
		result = append(result, encodePieces(normalized, vocabulary)...)
	}
	common.GLogger.DebugPrintf("Prompt token ids: \"%v\"", result)
	common.GLogger.DebugPrintf("Prompt tokens: \"%v\"", ie.TokenBatchToDebugString(result))

	if ie.promptCache != nil {
		ie.promptCache.Set(cacheKey, slices.Clone(result), ttlcache.DefaultTTL)
	}
	return result, nil
}

func (ie *InferenceEngine) TokenizeBatch(texts []string, addBeginOfSentence bool) (result [][]model.TokenId, err error) {
	result = make([][]model.TokenId, len(texts))
	for i, text := range texts {
		tokenIds, err := ie.Tokenize(text, addBeginOfSentence)
		if err != nil {
			return nil, err
		}
		result[i] = tokenIds
	}
	return result, nil
}

// normalize applies the normalizer spec of the tokenizer: NFKC when requested, whitespace cleanup,
// the dummy prefix and whitespace escaping. Empty text stays empty.
func normalize(text string, vocabulary *model.Vocabulary) string {
	if strings.Contains(strings.ToLower(vocabulary.NormalizerName), "nfkc") {
		text = norm.NFKC.String(text)
	}
	if vocabulary.RemoveExtraWhitespaces {
		text = removeExtraWhitespaces(text)
	}
	if len(text) == 0 {
		return ""
	}
	if vocabulary.AddDummyPrefix {
		text = " " + text
	}
	return escapeWhitespace(text)
}

// removeExtraWhitespaces drops leading, trailing and repeated spaces. Other whitespace is kept.
func removeExtraWhitespaces(text string) string {
	words := slices.DeleteFunc(strings.Split(text, " "), func(word string) bool {
		return word == ""
	})
	return strings.Join(words, " ")
}

type bpeSymbol struct {
	text string
	prev int
	next int
}

type bpePair struct {
	left  int
	right int
	score float32
	text  string
}

// bpeQueue pops the pair whose merged piece has the highest score, the leftmost one wins ties.
type bpeQueue []*bpePair

func (q bpeQueue) Len() int { return len(q) }

func (q bpeQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].left < q[j].left
}

func (q bpeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *bpeQueue) Push(x any) { *q = append(*q, x.(*bpePair)) }

func (q *bpeQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

// pieceId returns the id of a piece which can appear in encoded text.
func pieceId(vocabulary *model.Vocabulary, piece string) (model.TokenId, bool) {
	id, ok := vocabulary.TokenToId[piece]
	if !ok {
		return -1, false
	}
	pieceType := vocabulary.IdToToken[id].PieceType
	return id, pieceType == sentencepiece.NORMAL || pieceType == sentencepiece.USER_DEFINED
}

// encodePieces merges characters of text into pieces like the SentencePiece BPE model does,
// characters left without a piece fall back to byte pieces.
// See: https://github.com/google/sentencepiece/blob/master/src/bpe_model.cc
func encodePieces(text string, vocabulary *model.Vocabulary) []model.TokenId {
	symbols := make([]bpeSymbol, 0, utf8.RuneCountInString(text))
	for i := range text {
		// invalid bytes are single symbols, an encoded U+FFFD keeps its three bytes
		_, size := utf8.DecodeRuneInString(text[i:])
		symbols = append(symbols, bpeSymbol{text: text[i : i+size], prev: len(symbols) - 1, next: len(symbols) + 1})
	}
	symbols[len(symbols)-1].next = -1

	queue := make(bpeQueue, 0, len(symbols))
	tryAddPair := func(left int, right int) {
		if left < 0 || right < 0 {
			return
		}
		merged := symbols[left].text + symbols[right].text
		id, ok := pieceId(vocabulary, merged)
		if !ok {
			return
		}
		heap.Push(&queue, &bpePair{left: left, right: right, score: vocabulary.IdToToken[id].Score, text: merged})
	}
	for i := 1; i < len(symbols); i++ {
		tryAddPair(i-1, i)
	}

	for queue.Len() > 0 {
		pair := heap.Pop(&queue).(*bpePair)
		left, right := &symbols[pair.left], &symbols[pair.right]
		// skip pairs whose symbols were merged into others meanwhile
		if left.text == "" || right.text == "" || left.next != pair.right || left.text+right.text != pair.text {
			continue
		}
		left.text = pair.text
		right.text = ""
		left.next = right.next
		if right.next >= 0 {
			symbols[right.next].prev = pair.left
		}
		tryAddPair(left.prev, pair.left)
		tryAddPair(pair.left, left.next)
	}

	result := make([]model.TokenId, 0, len(symbols))
	for i := 0; i >= 0; i = symbols[i].next {
		symbol := symbols[i].text
		if id, ok := pieceId(vocabulary, symbol); ok {
			result = append(result, id)
			continue
		}
		for _, b := range []byte(symbol) {
			if id := vocabulary.ByteToId[b]; id >= 0 {
				result = append(result, id)
			} else {
				result = append(result, vocabulary.UnknownId)
			}
		}
	}
	return result
}

// TokenToString converts one generated token for streaming output. Byte pieces are collected in
// waitingBytes until they form complete UTF-8 characters.
func (ie *InferenceEngine) TokenToString(tokenId model.TokenId, waitingBytes *[]byte) (token sentencepiece.SentencePiece, resultString string, addedToWaiting bool) {
	vocabulary := ie.model.Vocabulary
	if tokenId < 0 || int(tokenId) >= len(vocabulary.IdToToken) {
		return sentencepiece.SentencePiece{PieceType: sentencepiece.UNKNOWN}, unknownOutputToken, false
	}
	token = vocabulary.IdToToken[tokenId]
	switch token.PieceType {
	case sentencepiece.BYTE:
		*waitingBytes = append(*waitingBytes, token.ByteFallback)
		var decoded string
		decoded, *waitingBytes = decodeCompleteRunes(*waitingBytes)
		return token, unescapeWhitespace(decoded), len(*waitingBytes) > 0
	case sentencepiece.NORMAL, sentencepiece.USER_DEFINED:
		pending := bytesToString(*waitingBytes)
		*waitingBytes = (*waitingBytes)[:0]
		return token, pending + unescapeWhitespace(token.Piece), false
	}
	// control and unknown pieces are not printed
	return token, "", false
}

func (ie *InferenceEngine) TokenBatchToString(tokenIdBatch []model.TokenId) ([]sentencepiece.SentencePiece, string) {
	resultTokens := make([]sentencepiece.SentencePiece, 0, len(tokenIdBatch))
	var sb strings.Builder
	generatedWaitingBytes := make([]byte, 0)
	for _, tokenId := range tokenIdBatch {
		token, tokenStr, _ := ie.TokenToString(tokenId, &generatedWaitingBytes)
		resultTokens = append(resultTokens, token)
		sb.WriteString(tokenStr)
	}
	sb.WriteString(bytesToString(generatedWaitingBytes))
	return resultTokens, sb.String()
}

// Decode converts token ids to text skipping special tokens, the leading space of the dummy prefix is removed.
func (ie *InferenceEngine) Decode(tokenIds []model.TokenId) string {
	vocabulary := ie.model.Vocabulary
	var sb strings.Builder
	pending := make([]byte, 0)
	for _, tokenId := range tokenIds {
		if tokenId < 0 || int(tokenId) >= vocabulary.Len() || vocabulary.IsSpecial(tokenId) {
			continue
		}
		token := vocabulary.IdToToken[tokenId]
		if token.PieceType == sentencepiece.BYTE {
			pending = append(pending, token.ByteFallback)
			continue
		}
		sb.WriteString(bytesToString(pending))
		pending = pending[:0]
		sb.WriteString(token.Piece)
	}
	sb.WriteString(bytesToString(pending))

	result := unescapeWhitespace(sb.String())
	if vocabulary.AddDummyPrefix {
		result = strings.TrimPrefix(result, " ")
	}
	return result
}

func (ie *InferenceEngine) TokenBatchToDebugString(tokenIdBatch []model.TokenId) string {
	vocabulary := ie.model.Vocabulary
	resultStrArray := make([]string, 0, len(tokenIdBatch))
	for _, tokenId := range tokenIdBatch {
		if tokenId < 0 || int(tokenId) >= len(vocabulary.IdToToken) {
			resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, UNKNOWN ID]", tokenId))
			continue
		}
		token := vocabulary.IdToToken[tokenId]
		if token.PieceType == sentencepiece.NORMAL {
			token.Piece = withEmojiAlias(token.Piece)
		}
		resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, %s]", tokenId, token.String()))
	}
	return strings.Join(resultStrArray, ", ")
}

// emojiAliases maps an emoji to one of its :alias: names.
var emojiAliases = sync.OnceValue(func() map[string]string {
	aliases := make(map[string]string)
	for alias, code := range emoji.Map() {
		aliases[code] = alias
	}
	return aliases
})

// withEmojiAlias appends the alias to a piece which is a single emoji, e.g. "😀[grinning_face]".
func withEmojiAlias(piece string) string {
	if alias, ok := emojiAliases()[piece]; ok {
		return piece + "[" + alias + "]"
	}
	return piece
}

// decodeCompleteRunes returns the complete characters at the beginning of b and the bytes still waiting
// for the rest of a character. Bytes which cannot start a character are replaced by U+FFFD.
func decodeCompleteRunes(b []byte) (string, []byte) {
	var sb strings.Builder
	for len(b) > 0 {
		if !utf8.FullRune(b) {
			break
		}
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String(), b
}

// bytesToString decodes b replacing every invalid byte with U+FFFD.
func bytesToString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}

func escapeWhitespace(text string) string {
	return strings.ReplaceAll(text, " ", whitespaceEscapeToken)
}

func unescapeWhitespace(text string) string {
	return strings.ReplaceAll(text, whitespaceEscapeToken, " ")
}
