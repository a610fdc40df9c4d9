package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightwatchhq/nightwatch/internal/board"
	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/chat/discord"
	"github.com/nightwatchhq/nightwatch/internal/chat/slack"
	"github.com/nightwatchhq/nightwatch/internal/config"
	"github.com/nightwatchhq/nightwatch/internal/deliberation"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/memory"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/proactive"
	"github.com/nightwatchhq/nightwatch/internal/providers"
	"github.com/nightwatchhq/nightwatch/internal/registry"
	"github.com/nightwatchhq/nightwatch/internal/replies"
	"github.com/nightwatchhq/nightwatch/internal/router"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
	"github.com/nightwatchhq/nightwatch/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway (the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fatal("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fatal("create data dir", err)
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	reg, err := registry.New(ctx, st.Projects)
	if err != nil {
		fatal("project registry", err)
	}
	if err := reg.Seed(ctx, cfg.Projects); err != nil {
		fatal("seed projects", err)
	}
	go func() {
		if err := config.Watch(ctx, configPath(), reg.OnConfigChange(ctx)); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	transport, mainChannel, err := buildTransport(cfg)
	if err != nil {
		fatal("chat transport", err)
	}

	resolver := providers.NewResolver(cfg.Providers.Anthropic.APIKey, cfg.Providers.OpenAI.APIKey)
	state := threadstate.NewManager()
	mem := memory.New(st.Memory)
	selfExe := jobs.ResolveSelfExecutable()
	spawner := jobs.NewSpawner(transport, state, selfExe)

	var boardProvider board.Provider
	if cfg.Board.Enabled && cfg.Board.Owner != "" && cfg.Board.ProjectNumber > 0 {
		boardProvider = board.NewGitHub(cfg.Board.Owner, boardRepo(cfg), cfg.Board.ProjectNumber)
		slog.Info("board enabled", "owner", cfg.Board.Owner, "project", cfg.Board.ProjectNumber)
	}
	boardIntegration := board.NewIntegration(boardProvider, transport, selfExe)

	rosterErr := func(ctx context.Context) ([]personas.Persona, error) {
		return st.Personas.GetActive(ctx)
	}
	roster := func(ctx context.Context) []personas.Persona {
		list, err := rosterErr(ctx)
		if err != nil {
			slog.Warn("persona roster load failed", "error", err)
			return nil
		}
		return list
	}

	engine := deliberation.New(deliberation.Config{
		Transport:      transport,
		Discussions:    st.Discussions,
		Roster:         rosterErr,
		ProviderFor:    resolver.For,
		Memory:         mem,
		Board:          boardIntegration,
		Spawner:        spawner,
		Registry:       reg,
		State:          state,
		DefaultChannel: mainChannel,
	})
	defer engine.Shutdown()

	replyHandler := replies.NewHandler(state, engine, roster)

	rt := router.New(router.Config{
		Transport:   transport,
		Engine:      engine,
		Replies:     replyHandler,
		Spawner:     spawner,
		Board:       boardIntegration,
		Registry:    reg,
		State:       state,
		Roster:      roster,
		MainChannel: mainChannel,
	})

	triage := func(ctx context.Context, system, user string, maxTokens int) (string, error) {
		list, err := rosterErr(ctx)
		if err != nil || len(list) == 0 {
			return "", fmt.Errorf("no personas for triage: %w", err)
		}
		p := list[0]
		if lead, ok := personas.ByName(list, "Carlos"); ok {
			p = lead
		}
		provider, err := resolver.For(p)
		if err != nil {
			return "", err
		}
		return provider.Complete(ctx, system, user, maxTokens)
	}

	loop := proactive.New(proactive.Config{
		Engine:      engine,
		Spawner:     spawner,
		Board:       boardIntegration,
		Registry:    reg,
		State:       state,
		Roster:      roster,
		Triage:      triage,
		MainChannel: mainChannel,
		Proactive:   cfg.Proactive,
	})
	if cfg.Proactive.Enabled {
		go loop.Run(ctx)
	}

	go introducePersonas(ctx, st, transport, roster, mainChannel)

	slog.Info("nightwatch gateway starting", "version", Version, "channel", mainChannel)
	runDone := make(chan struct{})
	var runErr error
	go func() {
		defer close(runDone)
		runErr = transport.Run(ctx, func(ctx context.Context, ev chat.Event) {
			tag := rt.Route(ctx, ev)
			slog.Debug("event routed", "tag", tag, "channel", ev.Channel)
		})
	}()

	select {
	case <-runDone:
		if runErr != nil && ctx.Err() == nil {
			slog.Error("transport stopped", "error", runErr)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	engine.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !waitShutdown(sctx, runDone) {
		slog.Warn("transport disconnect exceeded deadline, abandoning")
	}
	if err := shutdownTracing(sctx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}

// waitShutdown waits for done, giving up when ctx expires first.
func waitShutdown(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildTransport picks the chat surface. Slack is the primary platform;
// Discord serves when Slack is off.
func buildTransport(cfg *config.Config) (chat.Transport, string, error) {
	switch {
	case cfg.Slack.Enabled:
		if cfg.Discord.Enabled {
			slog.Warn("slack and discord both enabled, using slack")
		}
		t, err := slack.New(cfg.Slack.BotToken, cfg.Slack.AppToken)
		return t, cfg.Slack.MainChannel, err
	case cfg.Discord.Enabled:
		t, err := discord.New(cfg.Discord.Token)
		return t, cfg.Discord.MainChannel, err
	default:
		return nil, "", fmt.Errorf("no chat transport enabled; configure slack or discord")
	}
}

// boardRepo is the repo board issues get filed in: the first registered
// project that names one.
func boardRepo(cfg *config.Config) string {
	for _, p := range cfg.Projects {
		if p.Repo != "" {
			return p.Repo
		}
	}
	return ""
}

// introducePersonas posts a one-time round of introductions into the main
// channel. The ledger key in schema_meta keeps restarts quiet.
func introducePersonas(ctx context.Context, st *store.Store, transport chat.Transport, roster func(context.Context) []personas.Persona, mainChannel string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("persona intros panicked", "panic", r)
		}
	}()
	if mainChannel == "" {
		return
	}
	done, err := st.Meta.Get(ctx, store.MetaIntroLedger)
	if err != nil {
		slog.Warn("intro ledger read failed", "error", err)
		return
	}
	if done != "" {
		return
	}

	for _, p := range roster(ctx) {
		line := fmt.Sprintf("Hey, I'm %s. I'm the %s around here — ping me by name when you need me.", p.Name, p.Role)
		if _, err := transport.PostAs(ctx, mainChannel, line, chat.PersonaIdentity{ID: p.ID, Name: p.Name, IconURL: p.AvatarURL}, ""); err != nil {
			slog.Warn("persona intro failed", "persona", p.Name, "error", err)
			return
		}
	}
	if err := st.Meta.Set(ctx, store.MetaIntroLedger, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("intro ledger write failed", "error", err)
	}
}

func fatal(what string, err error) {
	slog.Error(what, "error", err)
	fmt.Fprintf(os.Stderr, "nightwatch: %s: %v\n", what, err)
	os.Exit(1)
}
