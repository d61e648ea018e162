package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/inference"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// Generator is the part of the inference engine the HTTP layer uses.
type Generator interface {
	GenerateText(ctx context.Context, prompt string, args common.InferenceArgs) (*inference.GenerationResult, error)
	InferenceArgs() common.InferenceArgs
	Model() *model.Model
}

type Options struct {
	MaxConcurrentRequests int
	EnablePprof           bool
	EnableCORS            bool
	// generation requests per second, 0 disables rate limiting
	RateLimit float64
	RateBurst int
	// a new registry is created when nil
	Registry *prometheus.Registry
}

type Server struct {
	generator Generator
	options   Options
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	metrics   *metrics
	registry  *prometheus.Registry
	startTime time.Time
}

func NewServer(generator Generator, options Options) *Server {
	if options.MaxConcurrentRequests < 1 {
		options.MaxConcurrentRequests = 1
	}
	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		generator: generator,
		options:   options,
		sem:       semaphore.NewWeighted(int64(options.MaxConcurrentRequests)),
		metrics:   newMetrics(registry),
		registry:  registry,
		startTime: time.Now(),
	}
	if options.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(options.RateLimit), max(1, options.RateBurst))
	}
	return s
}

// Router builds the gin engine serving /generate, /health, /metrics and optionally /debug/pprof.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	if s.options.EnableCORS {
		r.Use(cors.New(cors.Config{
			AllowHeaders:    []string{"*"},
			AllowMethods:    []string{http.MethodGet, http.MethodPost},
			AllowAllOrigins: true,
		}))
	}
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLog())

	if s.options.EnablePprof {
		debugGroup := r.Group("/debug")
		pprof.RouteRegister(debugGroup, "pprof")
	}

	r.POST("/generate", s.generate)
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	return r
}

// requestID keeps the X-Request-ID of the client or creates one, and echoes it in the response.
func requestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header(requestIDHeader, id)
		ctx.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		latency := time.Since(startTime).Milliseconds()
		common.GLogger.Slog().InfoContext(ctx, "http request", slog.String("ip", ctx.ClientIP()),
			slog.String("method", ctx.Request.Method),
			slog.Int("latency(ms)", int(latency)),
			slog.Int("status", ctx.Writer.Status()),
			slog.String("url", ctx.Request.URL.RequestURI()),
			slog.String(requestIDKey, ctx.GetString(requestIDKey)),
		)
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Model         *modelMetadata `json:"model,omitempty"`
}

type modelMetadata struct {
	Architecture      string `json:"architecture"`
	Type              string `json:"type"`
	VocabSize         int    `json:"vocab_size"`
	MaxSequenceLength int    `json:"max_sequence_length"`
	Layers            int    `json:"layers"`
	Heads             int    `json:"heads"`
	KVHeads           int    `json:"kv_heads"`
	Dim               int    `json:"dim"`
	ElementCount      int    `json:"element_count"`
	Size              string `json:"size"`
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if m := s.generator.Model(); m != nil {
		resp.Model = &modelMetadata{
			Architecture:      m.ModelArchitecture.String(),
			Type:              m.ModelType.String(),
			VocabSize:         m.ModelArgs.VocabSize,
			MaxSequenceLength: m.ModelArgs.MaxSequenceLength,
			Layers:            m.ModelArgs.N_Layers,
			Heads:             m.ModelArgs.N_Heads,
			KVHeads:           m.ModelArgs.N_KVHeads,
			Dim:               m.ModelArgs.Dim,
			ElementCount:      m.GetElementCount(),
			Size:              humanize.IBytes(uint64(m.GetBytesCount())),
		}
	}
	c.JSON(http.StatusOK, resp)
}
