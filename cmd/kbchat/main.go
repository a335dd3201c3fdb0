// Command kbchat is a terminal client for knowledge-base chat. It talks to
// the backend directly, using the same pipeline and turn controller as the
// BFF server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	"github.com/zhengjr9/kb-chat-bff/internal/kb"
	"github.com/zhengjr9/kb-chat-bff/internal/logger"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
	"github.com/zhengjr9/kb-chat-bff/internal/settings"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

var (
	baseURL     string
	token       string
	chatPath    string
	timeout     time.Duration
	splitMode   string
	resultLimit int
	paramsFile  string
	logLevel    string

	rootCmd = &cobra.Command{
		Use:           "kbchat",
		Short:         "Chat with a knowledge base from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Setup(os.Stderr, logLevel, "text")
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat [knowledge-base-id]",
		Short: "Start an interactive chat session",
		Args:  cobra.ExactArgs(1),
		RunE:  runChat,
	}
	askCmd = &cobra.Command{
		Use:   "ask [knowledge-base-id] [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runAsk,
	}

	kbCmd = &cobra.Command{
		Use:   "kb",
		Short: "Inspect knowledge bases",
	}
	kbShowCmd = &cobra.Command{
		Use:   "show [knowledge-base-id]",
		Short: "Show knowledge-base metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runKBShow,
	}

	paramsCmd = &cobra.Command{
		Use:   "params",
		Short: "Show or change the saved chat parameters",
		RunE:  runParamsShow,
	}
	paramsSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Update the saved chat parameters",
		RunE:  runParamsSet,
	}
)

func init() {
	_ = godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&baseURL, "base-url", envOr("UPSTREAM_BASE_URL", "http://localhost:8000"), "Knowledge-base backend base URL")
	pf.StringVar(&token, "token", os.Getenv("UPSTREAM_TOKEN"), "Backend access token")
	pf.StringVar(&chatPath, "chat-path", envOr("UPSTREAM_CHAT_PATH", "/api/chat/completions"), "Streaming chat-completions path")
	pf.DurationVar(&timeout, "timeout", 120*time.Second, "Backend round-trip timeout, including streaming")
	pf.StringVar(&splitMode, "think-split-mode", envOr("THINK_SPLIT_MODE", "carry"), "Think tag detection: carry or compat")
	pf.IntVar(&resultLimit, "result-limit", 5, "Number of retrieved passages requested per turn")
	pf.StringVar(&paramsFile, "params-file", envOr("CHAT_PARAMS_FILE", defaultParamsFile()), "YAML file with saved chat parameters")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	chatCmd.Flags().Duration("search-grace", chat.DefaultGracePeriod, "How long to show the retrieval state before waiting")

	paramsSetCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	paramsSetCmd.Flags().Int("max-tokens", 0, "Maximum tokens to generate")
	paramsSetCmd.Flags().String("system-prompt", "", "System prompt sent before the history")
	paramsSetCmd.Flags().String("model-base-url", "", "Custom model endpoint (requires --model-api-key)")
	paramsSetCmd.Flags().String("model-api-key", "", "API key for the custom model endpoint")

	kbCmd.AddCommand(kbShowCmd)
	paramsCmd.AddCommand(paramsSetCmd)
	rootCmd.AddCommand(chatCmd, askCmd, kbCmd, paramsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultParamsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".kbchat.yaml"
	}
	return dir + "/kbchat/params.yaml"
}

func newRelay() *relay.Client {
	return relay.NewClient(baseURL, timeout, "", relay.StaticToken(token))
}

func newPipeline(client *relay.Client) (*chat.Pipeline, error) {
	mode, err := think.ParseMode(splitMode)
	if err != nil {
		return nil, err
	}
	return chat.NewPipeline(client, chat.PipelineOptions{
		ChatPath:    chatPath,
		ResultLimit: resultLimit,
		SplitMode:   mode,
	}), nil
}

func paramsStore() *settings.FileStore {
	return settings.NewFileStore(paramsFile)
}

func lookup(client *relay.Client) *kb.Client {
	return kb.NewClient(client)
}
