package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/observability"
	"github.com/ovolab/attendant/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace + "_worker")

	var asr worker.ASREngine
	if cfg.ASRURL != "" {
		asr = &worker.HTTPASREngine{URL: cfg.ASRURL}
		log.Printf("asr engine: %s", cfg.ASRURL)
	} else {
		asr = &worker.MockASREngine{}
		log.Printf("asr engine: mock (WORKER_ASR_URL not set)")
	}

	var tts worker.TTSEngine
	if cfg.TTSURL != "" {
		tts = &worker.HTTPTTSEngine{URL: cfg.TTSURL, SampleRate: cfg.ModelSampleRateTTS}
		log.Printf("tts engine: %s", cfg.TTSURL)
	} else {
		tts = &worker.MockTTSEngine{SampleRate: cfg.ModelSampleRateTTS}
		log.Printf("tts engine: mock (WORKER_TTS_URL not set)")
	}

	reply := &worker.OllamaReplyEngine{
		URL:       cfg.LLMURL,
		Model:     cfg.LLMModel,
		MaxTokens: cfg.LLMMaxTokens,
	}

	srv := worker.NewServer(worker.ServerConfig{
		MaxConcurrency:  cfg.WorkerMaxConcurrency,
		QueueWait:       cfg.WorkerQueueWait,
		SilenceFloorRMS: cfg.NoiseFloorRMS,
		ReplyPolicy: worker.ReplyPolicy{
			MaxRunes:   cfg.ReplyMaxRunes,
			Disallowed: cfg.DisallowedReplyTerms,
			Mode:       worker.RejectMode(cfg.ReplyRejectMode),
		},
	}, asr, tts, reply, metrics)

	httpServer := &http.Server{
		Addr:    cfg.WorkerBindAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("model worker listening on %s (llm %s model %s)",
			cfg.WorkerBindAddr, cfg.LLMURL, cfg.LLMModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
