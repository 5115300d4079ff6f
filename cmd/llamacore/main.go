// Command llamacore is the controller entry point: it launches the
// llamacore-worker subprocess, wires the tool host and settings/generation
// client around it, and drives a small CLI loop for manual testing. No
// HTTP/SSE transport is exposed — that surface is explicitly out of scope.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/llamacore/internal/app"
	"github.com/MrWong99/llamacore/internal/config"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/llamacore"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "llamacore: config file %q not found — create it or pass -config with a different path\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "llamacore: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("llamacore starting", "config", *configPath, "models", len(cfg.Models))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
		}
	}()

	fmt.Println("llamacore ready — type 'help' for commands, 'quit' to exit")
	runREPL(ctx, application.Client())
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runREPL drives a minimal line-oriented command loop over stdin for
// manual smoke testing of the worker protocol, until ctx is cancelled or
// the user types "quit".
func runREPL(ctx context.Context, client *llamacore.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "quit", "exit":
			return
		case "help":
			printHelp()
		case "list":
			handleList(ctx, client)
		case "load":
			handleLoad(ctx, client, args)
		case "unload":
			handleUnload(ctx, client, args)
		case "chat":
			handleChat(ctx, client, args)
		default:
			fmt.Printf("unknown command %q — type 'help'\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  list                    list catalogued models
  load <model-id>         load a model
  unload <model-id>       unload a model
  chat <model-id> <text>  send a single user message and print the reply
  quit                    exit`)
}

func handleList(ctx context.Context, client *llamacore.Client) {
	entries, err := client.ListModels(ctx)
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("(no models configured)")
		return
	}
	for _, e := range entries {
		marker := " "
		if e.Active {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\t%d bytes\n", marker, e.ID, e.DisplayName, e.SizeBytes)
	}
}

func handleLoad(ctx context.Context, client *llamacore.Client, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: load <model-id>")
		return
	}
	info, err := client.LoadModel(ctx, args[0], "")
	if err != nil {
		fmt.Printf("load failed: %v\n", err)
		return
	}
	fmt.Printf("loaded %s (context=%d gpuLayers=%d batch=%d)\n", info.ModelID, info.ContextSize, info.GPULayers, info.BatchSize)
}

func handleUnload(ctx context.Context, client *llamacore.Client, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: unload <model-id>")
		return
	}
	if err := client.UnloadModel(ctx, args[0]); err != nil {
		fmt.Printf("unload failed: %v\n", err)
		return
	}
	fmt.Println("unloaded")
}

func handleChat(ctx context.Context, client *llamacore.Client, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: chat <model-id> <text>")
		return
	}
	modelID := args[0]
	text := strings.Join(args[1:], " ")

	result, err := client.Generate(ctx, modelID, []coremodel.Message{{Role: coremodel.RoleUser, Content: text}}, llamacore.GenerateOptions{})
	if err != nil {
		fmt.Printf("generate failed: %v\n", err)
		return
	}
	fmt.Println(result.Content)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
