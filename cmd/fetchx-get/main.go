// Command fetchx-get fetches a URL and prints the status, redirect
// chain, and body. An optional YAML config (fetchx.yaml in the current
// directory) tunes the session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"dqx0.com/go/fetch/fetchx"
	"dqx0.com/go/fetch/internal/obs"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "whole-request timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fetchx-get [-timeout d] [-v] <url>")
		os.Exit(2)
	}

	cfg := fetchx.SessionConfig{RequestTimeout: *timeout}
	if loaded, err := fetchx.LoadConfig[fetchx.SessionConfig](".", "fetchx"); err == nil {
		cfg = *loaded
		if cfg.RequestTimeout == 0 {
			cfg.RequestTimeout = *timeout
		}
	}
	if *verbose {
		cfg.Logger = obs.SlogLogger{L: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	}

	s, err := fetchx.NewSession(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	res, err := s.Get(context.Background(), flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer res.Body.Close()

	for _, hop := range res.History {
		fmt.Fprintf(os.Stderr, "%d %s -> %s\n", hop.StatusCode, hop.URL, hop.Header.Get("Location"))
	}
	fmt.Fprintf(os.Stderr, "%d %s\n", res.StatusCode, res.Reason)
	if _, err := io.Copy(os.Stdout, res.Body); err != nil {
		log.Fatal(err)
	}
}
