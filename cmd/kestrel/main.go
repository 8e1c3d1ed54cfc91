// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kestrel is the CLI for the kestrel agent runtime.
//
// Usage:
//
//	kestrel chat --config config.yaml
//	kestrel chat --dry-run --message "hello"
//	kestrel validate --config config.yaml
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kestrel-ai/kestrel/pkg/agent"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/model"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Run an interactive chat session."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	EnvFile  string `help:"Path to .env file." default:".env"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("kestrel version %s\n", version)
	return nil
}

// ValidateCmd checks a configuration file without starting a session.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("Configuration is valid.")
	return nil
}

// ChatCmd runs a chat session against the configured provider.
type ChatCmd struct {
	Message string `short:"m" help:"Run a single turn with this message and exit."`
	DryRun  bool   `name:"dry-run" help:"Use a scripted mock provider instead of a real one."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}()

	opts := session.Options{}
	if c.DryRun {
		opts.Provider = model.NewMockProvider(
			model.ScriptedTurn{Text: "<analyze>dry run</analyze>This is a dry-run response."},
		)
	}

	sess, err := session.New(cfg, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.Message != "" {
		return runTurn(ctx, sess, c.Message)
	}

	fmt.Println("kestrel chat (ctrl-d to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runTurn(ctx, sess, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runTurn(ctx context.Context, sess *session.Session, message string) error {
	events, err := sess.RunTurn(ctx, message)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventThinking:
			if ev.Content != "" {
				fmt.Print(ev.Content)
			}
		case agent.EventReasoning:
			slog.Debug("reasoning", "phase", ev.Phase, "content", ev.Content)
		case agent.EventActing:
			fmt.Printf("\n[tool] %s\n", ev.Tool)
		case agent.EventObserving:
			if ev.Err != nil {
				fmt.Printf("[tool error] %v\n", ev.Err)
			}
		case agent.EventClarificationNeeded:
			fmt.Println("\nThe agent needs clarification:")
			for _, q := range ev.Questions {
				fmt.Printf("  - %s\n", q)
			}
		case agent.EventComplete:
			fmt.Printf("\n%s\n", ev.Content)
			if ev.Metrics != nil {
				slog.Debug("turn complete",
					"iterations", ev.Metrics.Iterations,
					"tokens", ev.Metrics.TotalTokens(),
					"tool_calls", ev.Metrics.ToolCalls)
			}
		case agent.EventFailed:
			fmt.Printf("\nturn failed: %s", ev.Cause)
			if ev.Err != nil {
				fmt.Printf(" (%v)", ev.Err)
			}
			fmt.Println()
		}
	}
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if err := config.LoadEnv(cli.EnvFile); err != nil {
		slog.Warn("failed to load env file", "error", err)
	}
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("kestrel"),
		kong.Description("Token-budgeted agentic orchestration runtime."),
		kong.UsageOnError(),
	)
	setupLogging(cli.LogLevel)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
