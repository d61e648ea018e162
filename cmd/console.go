package main

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/adalkiran/llama-serve/src/inference"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/adalkiran/llama-serve/src/sentencepiece"
	"github.com/apoorvam/goterminal"
)

const esc = 27

var excludeEscapeDirectivesRegexp = regexp.MustCompile(string(rune(esc)) + "\\[\\d+[a-zA-Z]")

// AppState renders the live state of a console generation. Every render is written with a single
// Write call, previous renders are cleared first when the output is a terminal.
type AppState struct {
	mu             sync.Mutex
	out            io.Writer
	consoleMeasure *goterminal.Writer

	prevLineWidths []int

	sequenceLength      int
	promptText          string
	promptTokens        []sentencepiece.SentencePiece
	generatedText       string
	generatedTokens     []sentencepiece.SentencePiece
	waitingBytes        []byte
	waitingTokens       []sentencepiece.SentencePiece
	literalProgressText string

	startTimeTotal time.Time
	startTimeToken time.Time
}

// newAppState creates a state writing to out, consoleMeasure is nil when out is not a terminal.
func newAppState(out io.Writer, consoleMeasure *goterminal.Writer) *AppState {
	return &AppState{
		out:             out,
		consoleMeasure:  consoleMeasure,
		prevLineWidths:  make([]int, 0),
		generatedTokens: make([]sentencepiece.SentencePiece, 0),
		waitingBytes:    make([]byte, 0),
	}
}

func (as *AppState) addGeneratedToken(engine *inference.InferenceEngine, tokenId model.TokenId) {
	token, tokenStr, addedToWaiting := engine.TokenToString(tokenId, &as.waitingBytes)
	as.generatedTokens = append(as.generatedTokens, token)
	as.generatedText += tokenStr
	if !addedToWaiting {
		as.waitingTokens = nil
		return
	}
	as.waitingTokens = append(as.waitingTokens, token)
	if extra := len(as.waitingTokens) - len(as.waitingBytes); extra > 0 {
		as.waitingTokens = as.waitingTokens[extra:]
	}
}

func (as *AppState) updateOutput() {
	as.mu.Lock()
	defer as.mu.Unlock()

	var sb strings.Builder
	as.cleanupConsole(&sb)

	elapsedTotalStr, elapsedTokenStr := as.durationsToStr()
	as.printLinef(&sb, "%s", as.generateProgressText())
	as.printLinef(&sb, "Total elapsed: %c[1m%s%c[0m, elapsed for next token: %c[1m%s%c[0m", esc, elapsedTotalStr, esc, esc, elapsedTokenStr, esc)
	as.printLinef(&sb, "")
	if as.promptText != "" {
		as.printLinef(&sb, "%c[1mPrompt                 :%c[0m \"%s\"", esc, esc, as.promptText)
		as.printLinef(&sb, "%c[1mAssistant              :%c[0m \"%s%s\"", esc, esc, as.generatedText, strings.Repeat("…", len(as.waitingTokens)))
		if len(as.waitingTokens) > 0 {
			waitingPieces := make([]string, len(as.waitingTokens))
			for i, token := range as.waitingTokens {
				waitingPieces[i] = fmt.Sprintf("\"%s\"", token.Piece)
			}
			as.printLinef(&sb, "%c[1mTokens waiting to be processed further:%c[0m %s, possibly a part of an upcoming emoji", esc, esc, strings.Join(waitingPieces, ", "))
		}
	} else {
		as.printLinef(&sb, "...")
	}
	fmt.Fprint(as.out, sb.String())
}

func (as *AppState) printLinef(sb *strings.Builder, format string, v ...any) {
	s := fmt.Sprintf(format, v...)
	for _, line := range strings.Split(s, "\n") {
		line = excludeEscapeDirectivesRegexp.ReplaceAllString(line, "")
		as.prevLineWidths = append(as.prevLineWidths, len(line))
	}
	sb.WriteString(s)
	sb.WriteString("\n")
}

func (as *AppState) cleanupConsole(sb *strings.Builder) {
	defer as.resetConsoleState()
	if as.consoleMeasure == nil || len(as.prevLineWidths) == 0 {
		return
	}
	currentConsoleWidth, _ := as.consoleMeasure.GetTermDimensions()
	if currentConsoleWidth <= 0 {
		currentConsoleWidth = 80
	}
	// the cursor is on the empty line after the last render
	lineCountToClean := 1
	for _, prevLineWidth := range as.prevLineWidths {
		lineCountToClean += max(1, int(math.Ceil(float64(prevLineWidth)/float64(currentConsoleWidth))))
	}
	for i := 0; i < lineCountToClean; i++ {
		fmt.Fprintf(sb, "%c[2K\r", esc) // Clear current line
		if i < lineCountToClean-1 {
			fmt.Fprintf(sb, "%c[%dA", esc, 1) // Move cursor upper line
		}
	}
}

func (as *AppState) resetConsoleState() {
	as.prevLineWidths = as.prevLineWidths[:0]
}

func (as *AppState) generateProgressText() string {
	if as.literalProgressText != "" {
		return as.literalProgressText
	}
	var latestGeneratedTokenStr string
	if len(as.generatedTokens) == 0 {
		latestGeneratedTokenStr = "(generating)"
	} else {
		latestGeneratedTokenStr = as.generatedTokens[len(as.generatedTokens)-1].String()
	}
	nextTokenNum := len(as.promptTokens) + len(as.generatedTokens)
	if nextTokenNum < as.sequenceLength {
		nextTokenNum++
	}
	return fmt.Sprintf("%c[1mGenerating tokens %d / %d, including %d prompt tokens...%c[0m Latest generated token: %s",
		esc, nextTokenNum, as.sequenceLength, len(as.promptTokens), esc, latestGeneratedTokenStr)
}

func (as *AppState) durationsToStr() (elapsedTotalStr string, elapsedTokenStr string) {
	elapsedTotalStr = "..:.."
	elapsedTokenStr = "..:.."
	if !as.startTimeTotal.IsZero() {
		// See: https://stackoverflow.com/questions/47341278/how-to-format-a-duration
		totalElapsed := time.Since(as.startTimeTotal).Round(time.Second)
		totalElapsedHourPart := totalElapsed / time.Hour
		totalElapsed -= totalElapsedHourPart * time.Hour
		totalElapsedMinPart := totalElapsed / time.Minute
		totalElapsed -= totalElapsedMinPart * time.Minute
		totalElapsedSecPart := totalElapsed / time.Second
		elapsedTotalStr = fmt.Sprintf("%02dh:%02dm:%02ds", totalElapsedHourPart, totalElapsedMinPart, totalElapsedSecPart)

		elapsedTokenStr = fmt.Sprintf("%.4f sec(s)", time.Since(as.startTimeToken).Seconds())
	}
	return
}
