//go:build unix

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/huddle/internal/voice"
)

// handleMuteToggle toggles the microphone on every SIGUSR1, the push-button
// equivalent for a headless client. The returned function stops listening.
func handleMuteToggle(ctx context.Context, client *voice.Client, logger *slog.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				logger.Info("mute toggled", "muted", client.ToggleMute(ctx))
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
