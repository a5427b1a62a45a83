// Command watch asks a running relay to open sessions for one or more
// channels by publishing their logins on the control channel.
//
// Usage:
//
//	watch [--dry-run] LOGIN...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/store"
)

type requester interface {
	Request(ctx context.Context, login string) error
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Print the normalized logins without publishing")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	_ = godotenv.Load()

	logins, err := normalizeArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if *dryRun {
		for _, l := range logins {
			fmt.Println(l)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}
	pool, err := store.NewPool(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publish(ctx, store.NewControlPlane(pool, cfg.ControlChannel), logins); err != nil {
		slog.Error("failed to publish control request", slog.Any("err", err))
		os.Exit(1)
	}
}

// normalizeArgs lowercases logins, strips '#' and drops duplicates.
func normalizeArgs(args []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, a := range args {
		l := chat.NormalizeLogin(a)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one channel login is required")
	}
	return out, nil
}

func publish(ctx context.Context, r requester, logins []string) error {
	for _, l := range logins {
		if err := r.Request(ctx, l); err != nil {
			return fmt.Errorf("request %s: %w", l, err)
		}
		slog.Info("control request published", slog.String("channel", l))
	}
	return nil
}
