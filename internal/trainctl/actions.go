package trainctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traind/internal/config"
	"traind/internal/gpu"
	"traind/internal/httpapi"
	"traind/internal/logging"
	"traind/internal/orchestrator"
	"traind/internal/registry"
	"traind/internal/session"
)

// fnRun executes one orchestrated session over the given templates. The run
// report is printed to stdout; logs go to stderr.
func fnRun(cfg *config.Config, args []string) error {
	log := logging.New(cfg.LogLevel, os.Stderr)

	// Arguments may be template files or directories of templates.
	templates, err := registry.Expand(args)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		ConfigPaths: templates,
		TrainerBin:  cfg.TrainerBin,
		SessionName: cfg.SessionName,
		WorkingDir:  cfg.WorkingDir,
		OutputDir:   cfg.OutputDir,
		Headroom:    cfg.HeadroomFrac,
		MinMemoryMB: cfg.MinMemoryMB,
		Grace:       cfg.GraceTimeout(),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	// Ctrl+C / SIGTERM cancels the run; jobs are terminated and the session
	// still collects and cleans up.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-stop:
			log.Warn().Str("signal", sig.String()).Msg("interrupt received, stopping run")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.StatusAddr != "" {
		httpapi.SetLogger(log)
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: httpapi.NewMux(orch)}
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server error")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("status server shutdown error")
			}
		}()
	}

	res, err := orch.Run(ctx, cfg.JobTimeout())
	if err != nil {
		return err
	}
	if err := printJSON(res.Summary); err != nil {
		return err
	}
	log.Info().
		Int("successful", res.Summary.Successful).
		Int("failed", res.Summary.Failed).
		Str("session", res.Summary.SessionDir).
		Msg("run finished")
	return nil
}

// fnGPUs detects devices and prints the snapshot.
func fnGPUs(cfg *config.Config) error {
	log := logging.New(cfg.LogLevel, os.Stderr)
	mgr := gpu.NewManager(gpu.Config{
		HeadroomFrac: cfg.HeadroomFrac,
		MinMemoryMB:  cfg.MinMemoryMB,
		Logger:       log,
	})
	return printJSON(mgr.Status())
}

// fnSummary scans an existing session directory and prints the summary.
func fnSummary(cfg *config.Config, dir string) error {
	log := logging.New(cfg.LogLevel, os.Stderr)
	store, err := session.Open(dir, log)
	if err != nil {
		return err
	}
	return printJSON(store.Summarize())
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
