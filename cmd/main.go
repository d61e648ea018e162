package main

import (
	"fmt"
	"io"
	"os"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/config"
	"github.com/adalkiran/llama-serve/src/model"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "llama-serve",
	Short: "Serve a Llama 2 model over HTTP",
	Long: `llama-serve loads a Meta Llama 2 checkpoint and its tokenizer once, then
generates text continuations for prompts.

Example usage:
  llama-serve serve --model-dir ../models-original/7B
  curl -X POST localhost:8000/generate -d '{"prompt": "Hello my name is"}'
  llama-serve generate --prompt "Hello my name is"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return setupLogger(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		common.GLogger.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file, environment variables with LLAMA_SERVE_ prefix override it")
	rootCmd.PersistentFlags().String("model-dir", "", "directory containing consolidated.00.pth, params.json and tokenizer.model")
	rootCmd.AddCommand(newServeCmd(), newGenerateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		common.GLogger.ConsoleFatal(err)
	}
}

func setupLogger(cfg *config.Config) error {
	level, err := common.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	var debugWriter io.Writer
	if cfg.Log.DebugFile != "" {
		f, err := os.OpenFile(cfg.Log.DebugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open debug log file: %w", err)
		}
		debugWriter = f
	}
	common.GLogger, err = common.NewLogger(os.Stdout, debugWriter, common.LoggerOptions{
		Level:  level,
		Format: cfg.Log.Format,
	})
	return err
}

func applyModelDirFlag(cmd *cobra.Command) {
	if modelDir, _ := cmd.Flags().GetString("model-dir"); modelDir != "" {
		cfg.Model.Dir = modelDir
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// loadModel loads the configured model, drawing a progress bar when stdout is a terminal.
func loadModel(cfg *config.Config) (*model.Model, error) {
	options := model.DefaultLoadOptions()
	options.CheckpointGlob = cfg.Model.CheckpointGlob
	options.ParamsFile = cfg.Model.ParamsFile
	options.TokenizerFile = cfg.Model.TokenizerFile

	if isTerminal(os.Stdout) {
		var bar *progressbar.ProgressBar
		options.ProgressFn = func(done int, total int, description string) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionEnableColorCodes(true),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "[green]=[reset]",
						SaucerHead:    "[green]>[reset]",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
					progressbar.OptionOnCompletion(func() {
						fmt.Println()
					}),
				)
			}
			bar.Describe(fmt.Sprintf("[cyan]Loading[reset] %s", description))
			_ = bar.Set(done)
		}
	}
	common.GLogger.ConsolePrintf("Loading model from \"%s\"...", cfg.Model.Dir)
	return model.LoadModelEx(cfg.Model.Dir, options)
}
