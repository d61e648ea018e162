package main

import (
	"github.com/adalkiran/llama-serve/src/inference"
	"github.com/adalkiran/llama-serve/src/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model once and serve POST /generate",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyModelDirFlag(cmd)
			if port > 0 {
				cfg.Server.Port = port
			}

			llamaModel, err := loadModel(cfg)
			if err != nil {
				return err
			}
			defer llamaModel.Free()

			engine := inference.NewInferenceEngine(llamaModel, cfg.InferenceArgs(), inference.EngineOptions{
				PromptCacheTTL:      cfg.PromptCacheTTL(),
				PromptCacheCapacity: uint64(cfg.Generation.PromptCacheCapacity),
			})
			defer engine.Close()

			gin.SetMode(gin.ReleaseMode)
			srv := server.NewServer(engine, server.Options{
				MaxConcurrentRequests: cfg.Server.MaxConcurrentRequests,
				EnablePprof:           cfg.Server.EnablePprof,
				EnableCORS:            cfg.Server.EnableCORS,
				RateLimit:             cfg.Server.RateLimit,
				RateBurst:             cfg.Server.RateBurst,
			})
			return server.NewGracefulServer(cfg.Addr(), srv.Router(), cfg.ShutdownTimeout()).Run()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config, 8000)")
	return cmd
}
