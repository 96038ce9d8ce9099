package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"installment-advisor/handler"
	"installment-advisor/internal/integrations/openai"
	"installment-advisor/internal/integrations/paramstore"
	"installment-advisor/internal/repository"
	"installment-advisor/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	historyTable := mustEnv("HISTORY_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	openaiBaseURL := os.Getenv("OPENAI_BASE_URL")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	historyClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), historyTable)
	if err != nil {
		slog.Error("failed to create history client", "err", err)
		os.Exit(1)
	}

	var openaiOpts []openai.Option
	if openaiBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(openaiBaseURL))
	}
	runtimeClient, err := openai.NewClient(ssmClient, paramPrefix, openaiOpts...)
	if err != nil {
		slog.Error("failed to create runtime client", "err", err)
		os.Exit(1)
	}

	// ---- Service & handler ----
	chatService, err := usecase.NewChatService(ssmClient, runtimeClient, runtimeClient, historyClient, paramPrefix, slog.Default())
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHTTP(chatService, slog.Default())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	h.Register(mux)

	// No write timeout: streamed exchanges hold the response open for as long
	// as the runtime keeps producing chunks.
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("listening", "addr", listenAddr)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
