// Command trafficfilter starts the filter service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trafficfilter/internal/trafficfilter/app"
	"trafficfilter/internal/trafficfilter/config"
	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/store/rulesfile"
)

func main() {
	fs, actions := newFlagSet("trafficfilter", os.Stderr)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(config.LoadOptions{Args: overrideArgs(fs)})
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *actions.PrintConfig {
		if err := config.PrintConfig(os.Stdout, cfg); err != nil {
			log.Fatalf("failed to print configuration: %v", err)
		}
		return
	}
	if *actions.Validate {
		os.Exit(lintRules(os.Stdout, cfg.RulesPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("failed to start application: %v", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.DrainTimeout+cfg.TelemetryDrainTimeout+2*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("failed to shutdown application: %v", err)
	}
}

// lintRules checks the rules file and reports every finding.
func lintRules(w io.Writer, path string) int {
	if path == "" {
		fmt.Fprintln(w, "no rules file configured")
		return 1
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return 1
	}
	rules, err := rulesfile.DecodeRules(data)
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return 1
	}
	if err := core.ValidateRules(rules); err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return 1
	}
	fmt.Fprintf(w, "%s: %d rules ok\n", path, len(rules))
	return 0
}
