// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"agentic-sre/analysis"
	"agentic-sre/api"
	"agentic-sre/config"
	"agentic-sre/engine"
	"agentic-sre/health"
	"agentic-sre/kube"
	"agentic-sre/llm"
	"agentic-sre/logger"
	"agentic-sre/processor"
	"agentic-sre/runbook"
	"agentic-sre/store"
	"agentic-sre/tools"
)

const shutdownGrace = 30 * time.Second

func main() {
	fmt.Println("========================================")
	fmt.Println("🚀 Agentic SRE Remediation Agent Starting...")
	fmt.Println("========================================")

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Info("📦 Build Information:")
	logger.Info("   Go Version: %s", runtime.Version())
	logger.Info("   Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	logger.Info("⚙️  Agent mode: %s cluster: %s", cfg.AgentMode, cfg.ClusterName)

	if err := run(cfg); err != nil {
		logger.Error("agent exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	checker := health.NewChecker(st)
	checker.Update(health.ComponentDatabase, true, "connected, migrations applied")
	logger.Info("✅ Database ready max_conns=%d", cfg.DBMaxConns)

	kubeClient, err := kube.Connect(cfg.ClusterAPITimeout)
	if err != nil {
		return fmt.Errorf("connecting to cluster: %w", err)
	}
	checker.Update(health.ComponentCluster, true, "connected")
	logger.Info("✅ Cluster API connected")

	books, err := runbook.LoadDir(cfg.RunbooksDir, tools.KnownActions())
	if err != nil {
		return fmt.Errorf("loading runbooks from %s: %w", cfg.RunbooksDir, err)
	}
	checker.Update(health.ComponentRunbooks, true, fmt.Sprintf("%d loaded", books.Len()))
	logger.Info("✅ Runbooks loaded count=%d dir=%s", books.Len(), cfg.RunbooksDir)

	llmClient, err := llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.LLMTimeout)
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}

	registry := tools.NewRegistry(kubeClient, books)
	eng := engine.New(registry, llmClient)
	composer := analysis.New(st, llmClient, cfg.ClusterName)
	proc := processor.New(st, books, eng, composer, cfg.AgentMode, cfg.ClusterName)

	go checker.Run(ctx)

	server := api.NewServer(cfg.ListenAddr, st, books, proc, composer, checker, cfg.MetricsEnabled)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("📢 Shutdown signal received, draining requests...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("✅ Shutdown complete")
	return nil
}
