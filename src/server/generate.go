package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/gin-gonic/gin"
)

// statusClientClosedRequest is written when the client went away before the result was ready.
const statusClientClosedRequest = 499

var (
	ErrTooManyRequests = errors.New("server is busy, too many generation requests")
	ErrRateLimited     = errors.New("rate limit exceeded, try again later")
)

// GenerateRequest carries the prompt and optional overrides of the generation defaults.
type GenerateRequest struct {
	Prompt *string `json:"prompt" binding:"required"`

	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	TopP         *float32 `json:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	DoSample     *bool    `json:"do_sample,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
}

type GenerateResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (req GenerateRequest) inferenceArgs(defaults common.InferenceArgs) common.InferenceArgs {
	args := defaults
	if req.MaxNewTokens != nil {
		args.MaxNewTokens = *req.MaxNewTokens
	}
	if req.Temperature != nil {
		args.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		args.TopP = *req.TopP
	}
	if req.TopK != nil {
		args.TopK = *req.TopK
	}
	if req.DoSample != nil {
		args.DoSample = *req.DoSample
	}
	if req.Seed != nil {
		args.Seed = *req.Seed
	}
	return args
}

func (s *Server) generate(c *gin.Context) {
	status := s.handleGenerate(c)
	s.metrics.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (s *Server) handleGenerate(c *gin.Context) int {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return abortWithDetail(c, http.StatusUnprocessableEntity, err)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return abortWithDetail(c, http.StatusTooManyRequests, ErrRateLimited)
	}
	args := req.inferenceArgs(s.generator.InferenceArgs())
	if err := args.Validate(); err != nil {
		return abortWithDetail(c, http.StatusUnprocessableEntity, err)
	}

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	ctx := c.Request.Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return abortWithDetail(c, http.StatusServiceUnavailable, ErrTooManyRequests)
	}
	defer s.sem.Release(1)

	result, err := s.generator.GenerateText(ctx, *req.Prompt, args)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrContextLengthExceeded):
			return abortWithDetail(c, http.StatusBadRequest, err)
		case errors.Is(err, model.ErrModelNotLoaded):
			return abortWithDetail(c, http.StatusServiceUnavailable, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.AbortWithStatus(statusClientClosedRequest)
			return statusClientClosedRequest
		}
		common.GLogger.Slog().ErrorContext(ctx, "generation failed", "error", err, requestIDKey, c.GetString(requestIDKey))
		return abortWithDetail(c, http.StatusInternalServerError, err)
	}

	s.metrics.generationDuration.Observe(result.Duration.Seconds())
	s.metrics.generatedTokens.Add(float64(len(result.GeneratedTokens)))
	s.metrics.promptTokens.Add(float64(len(result.PromptTokens)))
	common.GLogger.DebugPrintf("Generation finished, %d prompt tokens, %d generated tokens, stop reason: %s, duration: %v",
		len(result.PromptTokens), len(result.GeneratedTokens), result.StopReason, result.Duration)

	c.JSON(http.StatusOK, GenerateResponse{Result: result.Text})
	return http.StatusOK
}

func abortWithDetail(c *gin.Context, status int, err error) int {
	c.AbortWithStatusJSON(status, errorResponse{Detail: err.Error()})
	return status
}
