// Standalone mock control plane for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/simrunner run -c example/config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/simrunner/example/mockcp"
)

func main() {
	fmt.Println("Mock control plane starting on :9999")
	fmt.Println("A new conversation is seeded every 10s")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp := mockcp.New(3, slog.Default())
	cp.Seed()
	go cp.Run(ctx, 10*time.Second)

	srv := &http.Server{Addr: ":9999", Handler: cp.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
