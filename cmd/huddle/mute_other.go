//go:build !unix

package main

import (
	"context"
	"log/slog"

	"github.com/MrWong99/huddle/internal/voice"
)

// handleMuteToggle is a no-op on platforms without SIGUSR1.
func handleMuteToggle(context.Context, *voice.Client, *slog.Logger) func() {
	return func() {}
}
