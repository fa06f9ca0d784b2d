// Command groupchatd runs the group chat core as a local REPL, streaming
// Activity events to a colored console consumer as the turn progresses.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"groupchatcore/internal/config"
	"groupchatcore/internal/groupchat"
	"groupchatcore/internal/llm"
	"groupchatcore/internal/llm/openaicompat"
	"groupchatcore/internal/observability"
	"groupchatcore/internal/persistence/databases"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	configPath := flag.String("config", "groupchat.yaml", "path to the core configuration file")
	sessionID := flag.String("session", "default", "session id to resume or create")
	flag.Parse()

	observability.InitLogger("groupchatd.log", "info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without tracing")
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	store, err := databases.NewChatStore(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init chat store")
	}

	registry := groupchat.NewRegistry()
	if err := registry.ReplaceFromConfigs(cfg.Agents, func(ac config.AgentConfig) (llm.Provider, error) {
		return openaicompat.New(openaicompat.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.ChatModelURL,
			Model:   ac.Model,
		}), nil
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to build agent registry")
	}

	acct := groupchat.NewAccountant(cfg.Core, nil)
	memory := groupchat.NewMemory(store, acct)
	router := groupchat.NewRouter(cfg.Core.IncludeThreshold)
	toolRegistry := newToolRegistry()
	activity := groupchat.NewStreamer(cfg.Core.ActivityBuffer)
	mediator := groupchat.NewMediator(toolRegistry, activity, cfg.Core)

	coordinator := registry.Get(cfg.CoordinatorName)
	var coordinatorProvider llm.Provider
	coordinatorModel := ""
	if coordinator != nil {
		coordinatorProvider = coordinator.Provider
		coordinatorModel = coordinator.Model
	}
	evaluator := groupchat.NewEvaluator(coordinatorProvider, coordinatorModel)
	synthesizer := groupchat.NewSynthesizer(coordinatorProvider, coordinatorModel, acct, cfg.CoordinatorName)

	engine := groupchat.NewEngine(registry, router, mediator, memory, evaluator, synthesizer, activity, cfg.Core, cfg.CoordinatorName)

	if _, err := store.EnsureSession(ctx, nil, *sessionID, *sessionID); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure session")
	}
	history, err := memory.Load(ctx, nil, *sessionID, cfg.Core.MaxHistoryMessages)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load session history")
	}

	go runActivityConsole(ctx, activity, *sessionID)

	pterm.Info.Printf("groupchatcore ready — session %q, coordinator %q, %d agents\n", *sessionID, cfg.CoordinatorName, len(registry.Names()))
	runREPL(ctx, engine, &history, *sessionID)
}

// runREPL reads lines from stdin until EOF or ctx is cancelled, driving one
// engine turn per line.
func runREPL(ctx context.Context, engine *groupchat.Engine, history *groupchat.ChatHistory, sessionID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		final, err := engine.RunTurn(ctx, nil, history, line, nil)
		if err != nil {
			pterm.Error.Printf("turn failed: %v\n", err)
			continue
		}
		pterm.DefaultBox.WithTitle(final.AgentID).Println(final.Content)
	}
}

// runActivityConsole subscribes to the session's activity stream and
// renders each event as a colored console line, giving the best-effort
// pub/sub activity interface a human-visible consumer without standing up
// an HTTP or WebSocket transport.
func runActivityConsole(ctx context.Context, streamer *groupchat.Streamer, sessionID string) {
	ch := streamer.Subscribe(sessionID)
	defer streamer.Unsubscribe(sessionID, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			renderActivityEvent(ev)
		}
	}
}

func renderActivityEvent(ev groupchat.ActivityEvent) {
	label := fmt.Sprintf("[%s] %s %s", ev.Kind, ev.AgentID, ev.Message)
	switch ev.Kind {
	case groupchat.ActivityError, groupchat.ActivityToolError:
		pterm.Error.Println(label)
	case groupchat.ActivityTurnComplete, groupchat.ActivitySynthesized:
		pterm.Success.Println(label)
	case groupchat.ActivityDropped:
		pterm.Warning.Println(label)
	default:
		pterm.Debug.Println(label)
	}
}
