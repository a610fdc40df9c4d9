package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

type recordingPoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *recordingPoster) PostAs(_ context.Context, _, text string, _ chat.PersonaIdentity, _ string) (chat.PostRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return chat.PostRef{TS: "1.0"}, nil
}

func (p *recordingPoster) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

var (
	carlos  = chat.PersonaIdentity{ID: "seed-carlos", Name: "Carlos"}
	project = store.Project{Path: "/srv/repo", Name: "repo", ChannelID: "C_ENG", Repo: "org/repo"}
	anchor  = Anchor{Channel: "C_ENG", Thread: "1.1"}
)

// newTestSpawner stubs out process start/wait so nothing actually runs.
func newTestSpawner(poster Poster, waitErr error) (*Spawner, *[]*exec.Cmd, chan struct{}) {
	s := NewSpawner(poster, threadstate.NewManager(), "/opt/nightwatch")
	var started []*exec.Cmd
	done := make(chan struct{}, 8)
	var mu sync.Mutex
	s.start = func(cmd *exec.Cmd) error {
		mu.Lock()
		started = append(started, cmd)
		mu.Unlock()
		// launch() logs cmd.Process.Pid after a successful start.
		cmd.Process = &os.Process{Pid: 4242}
		return nil
	}
	s.wait = func(*exec.Cmd) error {
		defer func() { done <- struct{}{} }()
		return waitErr
	}
	return s, &started, done
}

func TestRollingBufferKeepsTail(t *testing.T) {
	b := &rollingBuffer{}
	b.Write([]byte(strings.Repeat("a", outputBufferCap)))
	b.Write([]byte("tail"))

	got := b.String()
	if len(got) != outputBufferCap {
		t.Fatalf("len = %d, want %d", len(got), outputBufferCap)
	}
	if !strings.HasSuffix(got, "tail") {
		t.Error("newest bytes should survive")
	}
	if b.Tail(4) != "tail" {
		t.Errorf("Tail(4) = %q", b.Tail(4))
	}

	b2 := &rollingBuffer{}
	b2.Write([]byte(strings.Repeat("x", outputBufferCap+500)))
	if len(b2.String()) != outputBufferCap {
		t.Errorf("oversized single write: len = %d", len(b2.String()))
	}
}

func TestSpawnReviewJobMergeConflicts(t *testing.T) {
	poster := &recordingPoster{}
	s, started, done := newTestSpawner(poster, nil)

	s.SpawnJob(context.Background(), KindReview, project, anchor, carlos, Options{
		PRNumber:     "42",
		FixConflicts: true,
	})
	waitDone(t, done)

	if len(*started) != 1 {
		t.Fatalf("started %d commands", len(*started))
	}
	cmd := (*started)[0]
	if cmd.Path != "/opt/nightwatch" || len(cmd.Args) != 2 || cmd.Args[1] != "review" {
		t.Errorf("argv = %v", cmd.Args)
	}
	if cmd.Dir != "/srv/repo" {
		t.Errorf("dir = %q", cmd.Dir)
	}

	env := envMap(cmd.Env)
	if env[EnvExecutionContext] != "agent" {
		t.Errorf("%s = %q", EnvExecutionContext, env[EnvExecutionContext])
	}
	if env[EnvTargetPR] != "42" {
		t.Errorf("%s = %q", EnvTargetPR, env[EnvTargetPR])
	}
	var fb slackFeedback
	if err := json.Unmarshal([]byte(env[EnvSlackFeedback]), &fb); err != nil {
		t.Fatalf("decode %s: %v", EnvSlackFeedback, err)
	}
	want := slackFeedback{
		Source:   "slack",
		Kind:     "merge_conflict_resolution",
		PRNumber: "42",
		Changes:  "Resolve merge conflicts and stabilize the PR for re-review.",
	}
	if fb != want {
		t.Errorf("feedback = %+v", fb)
	}

	posts := poster.all()
	if len(posts) != 1 || posts[0] != "Finished the review pass on PR #42." {
		t.Errorf("posts = %v", posts)
	}
}

func TestSpawnFailurePostsGenericLine(t *testing.T) {
	poster := &recordingPoster{}
	s, _, done := newTestSpawner(poster, errors.New("exit status 2"))

	s.SpawnJob(context.Background(), KindQA, project, anchor, carlos, Options{})
	waitDone(t, done)

	posts := poster.all()
	if len(posts) != 1 || !strings.Contains(posts[0], "Hit a snag running qa") {
		t.Errorf("posts = %v", posts)
	}
}

func TestFinishedJobStampsCooldownByPersonaID(t *testing.T) {
	poster := &recordingPoster{}
	s, _, done := newTestSpawner(poster, nil)

	s.SpawnJob(context.Background(), KindQA, project, anchor, carlos, Options{})
	waitDone(t, done)

	if !s.state.IsOnCooldown(anchor.Channel, anchor.Thread, carlos.ID) {
		t.Error("persona not on cooldown in the thread after the job report")
	}
	if s.state.IsOnCooldown(anchor.Channel, anchor.Thread, "seed-maya") {
		t.Error("cooldown leaked to a persona that never spoke")
	}
	if s.state.LastChannelActivity(anchor.Channel).IsZero() {
		t.Error("channel activity not stamped")
	}
}

func TestAuditSuccessIsSilent(t *testing.T) {
	poster := &recordingPoster{}
	s, _, done := newTestSpawner(poster, nil)

	exited := make(chan error, 1)
	s.SpawnJob(context.Background(), KindAudit, project, Anchor{}, carlos, Options{
		OnExit: func(err error) { exited <- err },
	})
	waitDone(t, done)

	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("exit err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit never fired")
	}
	if posts := poster.all(); len(posts) != 0 {
		t.Errorf("audit success should post nothing, got %v", posts)
	}
}

func TestUnresolvedSelfExecutable(t *testing.T) {
	poster := &recordingPoster{}
	s := NewSpawner(poster, threadstate.NewManager(), "")

	s.SpawnJob(context.Background(), KindRun, project, anchor, carlos, Options{})

	posts := poster.all()
	if len(posts) != 1 || !strings.Contains(posts[0], "Can't start that right now") {
		t.Errorf("posts = %v", posts)
	}
}

func TestPerProjectThrottle(t *testing.T) {
	poster := &recordingPoster{}
	s, started, done := newTestSpawner(poster, nil)

	for i := 0; i < 4; i++ {
		s.SpawnJob(context.Background(), KindRun, project, anchor, carlos, Options{})
	}
	for i := 0; i < 3; i++ {
		waitDone(t, done)
	}

	if len(*started) != 3 {
		t.Errorf("started = %d, want 3 (burst)", len(*started))
	}
	var throttled bool
	for _, p := range poster.all() {
		if strings.Contains(p, "give it a minute") {
			throttled = true
		}
	}
	if !throttled {
		t.Error("fourth spawn should post a throttle line")
	}
}

func TestDirectProviderArgs(t *testing.T) {
	poster := &recordingPoster{}
	s, started, done := newTestSpawner(poster, nil)

	s.SpawnDirectProviderRequest(context.Background(), "claude", project, anchor, carlos, "summarize the repo")
	s.SpawnDirectProviderRequest(context.Background(), "codex", project, anchor, carlos, "list TODOs")
	waitDone(t, done)
	waitDone(t, done)

	if len(*started) != 2 {
		t.Fatalf("started = %d", len(*started))
	}
	claude := (*started)[0].Args
	if claude[0] != "claude" || claude[1] != "-p" || claude[2] != "summarize the repo" || claude[3] != "--dangerously-skip-permissions" {
		t.Errorf("claude argv = %v", claude)
	}
	codex := (*started)[1].Args
	if codex[0] != "codex" || codex[1] != "--quiet" || codex[2] != "--yolo" || codex[3] != "--prompt" || codex[4] != "list TODOs" {
		t.Errorf("codex argv = %v", codex)
	}
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
		// watch() posts after wait returns; give it a beat to finish.
		time.Sleep(20 * time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("job watcher never ran")
	}
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
