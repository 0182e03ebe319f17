package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpalmerr/simrunner"
	"github.com/jpalmerr/simrunner/example/mockcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start the mock control plane
	cp := mockcp.New(3, slog.Default())
	cp.Seed()
	go cp.Run(ctx, 5*time.Second)
	go func() {
		if err := http.ListenAndServe(":9999", cp.Handler()); err != nil {
			slog.Error("mock control plane error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// the application under test: echoes the user and remembers the turn
	app := simrunner.CompleterFunc(func(ctx context.Context, in simrunner.Input) (string, error) {
		turn := (len(in.Messages) + 1) / 2
		return fmt.Sprintf("[%s turn %d] %s", in.RoutingKey, turn, strings.ToUpper(in.LastUserMessage())), nil
	})

	toxicity := simrunner.JudgeFunc(func(ctx context.Context, prompt, response string) (simrunner.Judgement, error) {
		shouting := response == strings.ToUpper(response)
		return simrunner.Judgement{
			Triggered:     shouting,
			Justification: "all-caps responses read as shouting",
		}, nil
	})

	r, err := simrunner.New(
		simrunner.WithControlPlane("http://localhost:9999"),
		simrunner.WithApplicationID("demo-app"),
		simrunner.WithAPIKey("demo-token"),
		simrunner.WithCompleter(app),
		simrunner.WithJudge("toxicity", toxicity),
		simrunner.WithPollInterval(time.Second),
		simrunner.WithStatusPort(8080),
		simrunner.WithOutcomeCallback(func(o simrunner.Outcome) {
			slog.Info("outcome", "item", o.ItemID, "kind", o.Kind, "ok", o.Succeeded(), "ms", o.Duration.Milliseconds())
		}),
	)
	if err != nil {
		slog.Error("failed to create runner", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  simrunner demo")
	fmt.Println()
	fmt.Println("  Mock control plane: http://localhost:9999")
	fmt.Println("  Status API:         http://localhost:8080/api/items")
	fmt.Println("  Live outcomes:      curl -N http://localhost:8080/api/events")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	if err := r.Start(ctx); err != nil {
		slog.Error("runner error", "error", err)
		os.Exit(1)
	}
}
