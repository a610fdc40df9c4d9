// Package proactive runs the background sweep: scheduled code audits on
// every registered project and conversation starters in idle channels.
package proactive

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nightwatchhq/nightwatch/internal/board"
	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/config"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/registry"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

const (
	sweepInterval  = time.Minute
	codeWatchEvery = 3 * time.Hour
	idleThreshold  = 20 * time.Minute
	proactiveEvery = 90 * time.Minute

	auditReportPath = "logs/audit-report.md"
	noIssuesMarker  = "NO_ISSUES_FOUND"

	defaultCron = "* * * * *"
)

// Engine is the slice of the deliberation engine the loop posts through.
type Engine interface {
	PostProactiveMessage(ctx context.Context, channel string, p personas.Persona, projectCtx, roadmapCtx, slug string)
}

// JobRunner spawns the audit subprocesses.
type JobRunner interface {
	SpawnJob(ctx context.Context, kind string, project store.Project, anchor jobs.Anchor, persona chat.PersonaIdentity, opts jobs.Options)
}

// AuditSink turns audit reports into board issues or chat lines.
type AuditSink interface {
	HandleAuditReport(ctx context.Context, projectName, report, channel string, persona chat.PersonaIdentity, triage board.Completer)
}

// Loop is the proactive sweep. One instance runs for the process lifetime.
type Loop struct {
	engine      Engine
	spawner     JobRunner
	board       AuditSink
	registry    *registry.Service
	state       *threadstate.Manager
	roster      func(ctx context.Context) []personas.Persona
	triage      board.Completer
	mainChannel string
	channels    []string
	cronExpr    string
	cron        *gronx.Gronx

	randMu sync.Mutex
	rnd    *rand.Rand

	// hooks swapped in tests
	now      func() time.Time
	readFile func(string) ([]byte, error)
	statFile func(string) (os.FileInfo, error)
}

// Config wires the loop's collaborators.
type Config struct {
	Engine      Engine
	Spawner     JobRunner
	Board       AuditSink
	Registry    *registry.Service
	State       *threadstate.Manager
	Roster      func(ctx context.Context) []personas.Persona
	Triage      board.Completer
	MainChannel string
	Proactive   config.ProactiveConfig
}

// New creates the loop. An invalid cron expression falls back to
// every-minute with a warning rather than disabling the sweep.
func New(cfg Config) *Loop {
	g := gronx.New()
	expr := cfg.Proactive.Cron
	if expr == "" {
		expr = defaultCron
	}
	if !g.IsValid(expr) {
		slog.Warn("invalid proactive cron, using default", "cron", expr)
		expr = defaultCron
	}
	return &Loop{
		engine:      cfg.Engine,
		spawner:     cfg.Spawner,
		board:       cfg.Board,
		registry:    cfg.Registry,
		state:       cfg.State,
		roster:      cfg.Roster,
		triage:      cfg.Triage,
		mainChannel: cfg.MainChannel,
		channels:    cfg.Proactive.Channels,
		cronExpr:    expr,
		cron:        g,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		readFile:    os.ReadFile,
		statFile:    os.Stat,
	}
}

// Run sweeps once a minute until ctx is canceled. The cron expression
// gates which minutes actually sweep.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := l.cron.IsDue(l.cronExpr, l.now())
			if err != nil {
				slog.Warn("cron evaluation failed", "cron", l.cronExpr, "error", err)
				continue
			}
			if !due {
				continue
			}
			l.sweep(ctx)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("proactive sweep panicked", "panic", r)
		}
	}()
	l.sweepAudits(ctx)
	l.sweepIdleChannels(ctx)
}

// sweepAudits spawns one audit job per project that has not been audited
// in the last three hours. The throttle is stamped at spawn time so a
// crashing audit does not retry every minute.
func (l *Loop) sweepAudits(ctx context.Context) {
	for _, project := range l.registry.All() {
		if project.Path == "" {
			continue
		}
		if l.now().Sub(l.state.LastCodeWatchAt(project.Path)) < codeWatchEvery {
			continue
		}
		l.state.SetLastCodeWatchAt(project.Path)

		persona, ok := l.pickPersona(ctx)
		if !ok {
			return
		}
		channel := project.ChannelID
		if channel == "" {
			channel = l.mainChannel
		}
		spawnedAt := l.now()

		slog.Info("audit sweep", "project", project.Name)
		l.spawner.SpawnJob(ctx, jobs.KindAudit, project, jobs.Anchor{}, identity(persona), jobs.Options{
			OnExit: func(exitErr error) {
				l.handleAuditExit(project, channel, persona, spawnedAt, exitErr)
			},
		})
	}
}

// handleAuditExit reads the report the audit worker left behind and hands
// it to the board triage. Runs on the job watcher goroutine.
func (l *Loop) handleAuditExit(project store.Project, channel string, persona personas.Persona, spawnedAt time.Time, exitErr error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit report handling panicked", "project", project.Name, "panic", r)
		}
	}()
	if exitErr != nil {
		slog.Warn("audit job failed", "project", project.Name, "error", exitErr)
		return
	}

	path := filepath.Join(project.Path, auditReportPath)
	info, err := l.statFile(path)
	if err != nil {
		slog.Info("no audit report produced", "project", project.Name)
		return
	}
	if info.ModTime().Before(spawnedAt) {
		// A report from an earlier run; the worker wrote nothing this time.
		slog.Info("audit report is stale, ignoring", "project", project.Name)
		return
	}

	data, err := l.readFile(path)
	if err != nil {
		slog.Warn("audit report read failed", "project", project.Name, "error", err)
		return
	}
	report := strings.TrimSpace(string(data))
	if report == "" || strings.Contains(report, noIssuesMarker) {
		slog.Info("audit came back clean", "project", project.Name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	l.board.HandleAuditReport(ctx, project.Name, report, channel, identity(persona), l.triage)
}

// sweepIdleChannels posts a conversation starter into channels that have
// been quiet for a while. Both stamps land before posting, so a model
// that declines still pushes the next attempt out.
func (l *Loop) sweepIdleChannels(ctx context.Context) {
	for _, channel := range l.watchedChannels() {
		last := l.state.LastChannelActivity(channel)
		if last.IsZero() {
			// Never seen any traffic; nothing to wake up.
			continue
		}
		if l.now().Sub(last) < idleThreshold {
			continue
		}
		if prev := l.state.LastProactiveAt(channel); !prev.IsZero() && l.now().Sub(prev) < proactiveEvery {
			continue
		}
		l.state.SetLastProactiveAt(channel)
		l.state.TouchChannel(channel)

		persona, ok := l.pickPersona(ctx)
		if !ok {
			return
		}

		projectCtx, roadmapCtx, slug := l.channelContext(channel)
		slog.Info("idle channel, posting proactively", "channel", channel, "persona", persona.Name)
		l.engine.PostProactiveMessage(ctx, channel, persona, projectCtx, roadmapCtx, slug)
	}
}

// watchedChannels is the configured channel list plus every project
// channel plus the main channel, deduplicated in order.
func (l *Loop) watchedChannels() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range l.channels {
		add(c)
	}
	for _, p := range l.registry.All() {
		add(p.ChannelID)
	}
	add(l.mainChannel)
	return out
}

func (l *Loop) channelContext(channel string) (projectCtx, roadmapCtx, slug string) {
	project, ok := l.registry.ByChannel(channel)
	if !ok {
		return "", "", ""
	}
	projectCtx = project.Name
	if project.Repo != "" {
		projectCtx += " (" + project.Repo + ")"
	}
	slug = filepath.Base(project.Path)
	roadmapCtx = l.roadmapSummary(project.Path, project.Name)
	return projectCtx, roadmapCtx, slug
}

func (l *Loop) pickPersona(ctx context.Context) (personas.Persona, bool) {
	var active []personas.Persona
	for _, p := range l.roster(ctx) {
		if p.IsActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return personas.Persona{}, false
	}
	l.randMu.Lock()
	defer l.randMu.Unlock()
	return active[l.rnd.Intn(len(active))], true
}

func identity(p personas.Persona) chat.PersonaIdentity {
	return chat.PersonaIdentity{ID: p.ID, Name: p.Name, IconURL: p.AvatarURL}
}
