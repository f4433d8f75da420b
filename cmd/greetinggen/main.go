// Command greetinggen renders the engine's canned prompts (greeting and
// apology) to WAV files through the model worker, so calls can play them
// from disk instead of synthesizing the same line on every answer.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ovolab/attendant/internal/audio"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/worker"
)

func main() {
	var (
		workerURL = flag.String("worker", "", "model worker base URL (default from config)")
		voice     = flag.String("voice", "", "synthesis voice (default from config)")
		timeout   = flag.Duration("timeout", 30*time.Second, "per-clip synthesis timeout")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *workerURL == "" {
		*workerURL = cfg.WorkerURL
	}
	if *voice == "" {
		*voice = cfg.TTSVoice
	}

	client := worker.NewClient(*workerURL, *timeout, *timeout)

	clips := []struct {
		path string
		text string
	}{
		{cfg.GreetingPath, cfg.GreetingText},
		{cfg.ApologyPath, cfg.ApologyText},
	}

	for _, clip := range clips {
		if err := render(client, clip.path, clip.text, *voice, cfg.ChannelSampleRate, *timeout); err != nil {
			log.Fatalf("render %s: %v", clip.path, err)
		}
		log.Printf("wrote %s (%q)", clip.path, clip.text)
	}
}

// render synthesizes one line and stores it resampled to the channel rate,
// so the call engine can stream it without converting at answer time.
func render(client *worker.Client, path, text, voice string, channelRate int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wav, _, err := client.Synthesize(ctx, "greetinggen", text, voice)
	if err != nil {
		return err
	}
	buf, err := audio.DecodeWAV(wav)
	if err != nil {
		return err
	}
	buf, err = audio.Resample(buf, channelRate)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return audio.WriteWAVFile(path, buf)
}
