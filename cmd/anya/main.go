package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/rag"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "anya",
	Short:        "Voice assistant backend with persistent semantic memory",
	SilenceUsage: true,
	Long: `anya serves the browser extension over a websocket: it transcribes each
utterance, recalls related past conversations, replies in character and
speaks the reply back.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the process logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logging.New(cfg.Logging.Level, os.Stdout))
	return cfg, nil
}

// loadInspectConfig reads the config for the inspection commands, whose
// tables go to stdout, and silences the process logger
func loadInspectConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logging.Discard())
	return cfg, nil
}

// newEmbedder returns the embedder selected by cfg.Embedding.Provider
func newEmbedder(cfg *config.Config) (interfaces.Embedder, error) {
	if cfg.Embedding.Provider == "hash" {
		return rag.NewHashEmbedder(cfg.Memory.Dimensions), nil
	}
	return rag.NewEmbeddingService(cfg.Embedding, cfg.Memory.Dimensions)
}
