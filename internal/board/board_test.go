package board

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nightwatchhq/nightwatch/internal/chat"
)

type fakeBoard struct {
	mu      sync.Mutex
	created []Issue
	moves   []string // "number:column"
	failAll bool
	column  string // column CreateIssue reports back
}

func (f *fakeBoard) CreateIssue(_ context.Context, title, body, column string) (Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return Issue{}, errors.New("api down")
	}
	col := column
	if f.column != "" {
		col = f.column
	}
	issue := Issue{Number: 100 + len(f.created), Title: title, URL: "https://github.com/org/repo/issues/7", Column: col}
	f.created = append(f.created, issue)
	return issue, nil
}

func (f *fakeBoard) MoveIssue(_ context.Context, number int, column string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("api down")
	}
	f.moves = append(f.moves, strconv.Itoa(number)+":"+column)
	return nil
}

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakePoster) PostAs(_ context.Context, channel, text string, _ chat.PersonaIdentity, threadTS string) (chat.PostRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return chat.PostRef{Channel: channel, TS: "1.0"}, nil
}

var dev = chat.PersonaIdentity{Name: "Dev"}

const watchContext = "Location: src/auth.go:42\nSignal: unchecked error on token refresh\nSnippet: tok, _ := refresh()"

func TestOpenIssueFromTriggerFilesAndPosts(t *testing.T) {
	fb := &fakeBoard{}
	fp := &fakePoster{}
	integ := NewIntegration(fb, fp, "/usr/local/bin/nightwatch")

	integ.OpenIssueFromTrigger(context.Background(), watchContext, "C_ENG", "1.1", dev)

	if len(fb.created) != 1 {
		t.Fatalf("created = %d issues", len(fb.created))
	}
	if fb.created[0].Title != "fix: unchecked error on token refresh at src/auth.go:42" {
		t.Errorf("title = %q", fb.created[0].Title)
	}
	if fb.created[0].Column != ColumnInProgress {
		t.Errorf("column = %q", fb.created[0].Column)
	}
	if len(fp.posts) != 1 || !strings.Contains(fp.posts[0], "https://github.com/org/repo/issues/7") {
		t.Errorf("posts = %v", fp.posts)
	}
}

func TestOpenIssueMovesWhenCreateLandsElsewhere(t *testing.T) {
	fb := &fakeBoard{column: "Backlog"}
	fp := &fakePoster{}
	integ := NewIntegration(fb, fp, "")

	integ.OpenIssueFromTrigger(context.Background(), watchContext, "C_ENG", "1.1", dev)

	if len(fb.moves) != 1 || !strings.HasSuffix(fb.moves[0], ":"+ColumnInProgress) {
		t.Errorf("moves = %v", fb.moves)
	}
}

func TestOpenIssueInlineFallbackOnFailure(t *testing.T) {
	fb := &fakeBoard{failAll: true}
	fp := &fakePoster{}
	integ := NewIntegration(fb, fp, "")

	long := watchContext + "\n" + strings.Repeat("x", 3000)
	integ.OpenIssueFromTrigger(context.Background(), long, "C_ENG", "1.1", dev)

	if len(fp.posts) != 1 {
		t.Fatalf("posts = %d", len(fp.posts))
	}
	if len(fp.posts[0]) > 1200 {
		t.Errorf("inline writeup is %d chars, want <= 1200", len(fp.posts[0]))
	}
	if !strings.HasSuffix(fp.posts[0], "...") {
		t.Errorf("truncated writeup should end with ellipsis: %q", fp.posts[0][len(fp.posts[0])-20:])
	}
}

func TestHandleAuditReportFilesReadyIssue(t *testing.T) {
	fb := &fakeBoard{}
	fp := &fakePoster{}
	integ := NewIntegration(fb, fp, "")

	triage := func(context.Context, string, string, int) (string, error) {
		return "FILE: Found a race on the session map.", nil
	}
	integ.HandleAuditReport(context.Background(), "api", "long report text", "C_ENG", dev, triage)

	if len(fb.created) != 1 {
		t.Fatalf("created = %d issues", len(fb.created))
	}
	if fb.created[0].Column != ColumnReady {
		t.Errorf("column = %q", fb.created[0].Column)
	}
	if fb.created[0].Title != "fix: a race on the session map" {
		t.Errorf("title = %q", fb.created[0].Title)
	}
	if len(fp.posts) != 1 || !strings.Contains(fp.posts[0], fb.created[0].URL) {
		t.Errorf("posts = %v", fp.posts)
	}
}

func TestHandleAuditReportSkip(t *testing.T) {
	fb := &fakeBoard{}
	fp := &fakePoster{}
	integ := NewIntegration(fb, fp, "")

	triage := func(context.Context, string, string, int) (string, error) { return "SKIP", nil }
	integ.HandleAuditReport(context.Background(), "api", "clean report", "C_ENG", dev, triage)

	if len(fb.created) != 0 || len(fp.posts) != 0 {
		t.Errorf("skip should write nothing: issues=%d posts=%d", len(fb.created), len(fp.posts))
	}
}

func TestHandleAuditReportNoBoardPostsOneLiner(t *testing.T) {
	fp := &fakePoster{}
	integ := NewIntegration(nil, fp, "")

	triage := func(context.Context, string, string, int) (string, error) {
		return "FILE: Found a risky migration without a rollback.", nil
	}
	integ.HandleAuditReport(context.Background(), "api", "report", "C_ENG", dev, triage)

	if len(fp.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(fp.posts))
	}
	if strings.Contains(fp.posts[0], "http") {
		t.Errorf("no issue URL expected without a board: %q", fp.posts[0])
	}
}

func TestMoveIssueWithFallbackUsesCLI(t *testing.T) {
	fb := &fakeBoard{failAll: true}
	integ := NewIntegration(fb, &fakePoster{}, "/opt/nightwatch")

	var gotName string
	var gotArgs []string
	integ.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil
	}

	if err := integ.MoveIssueWithFallback(context.Background(), 444, ColumnReady); err != nil {
		t.Fatalf("MoveIssueWithFallback: %v", err)
	}
	if gotName != "/opt/nightwatch" {
		t.Errorf("exe = %q", gotName)
	}
	want := []string{"board", "move-issue", "444", "--column", "Ready"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v", gotArgs)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestCloseIssueCommand(t *testing.T) {
	var gotArgs []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "gh" {
			t.Errorf("name = %q", name)
		}
		gotArgs = args
		return nil, nil
	}
	if err := CloseIssue(context.Background(), run, "org/repo", 555); err != nil {
		t.Fatalf("CloseIssue: %v", err)
	}
	want := []string{"issue", "close", "555", "-R", "org/repo"}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestGitHubCreateIssueParsesURL(t *testing.T) {
	g := NewGitHub("org", "org/repo", 5)
	var calls [][]string
	g.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		switch args[0] {
		case "issue":
			return []byte("https://github.com/org/repo/issues/88\n"), nil
		case "project":
			return []byte("{}"), nil
		}
		return nil, nil
	}

	issue, err := g.CreateIssue(context.Background(), "fix: thing", "body", "")
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 88 || issue.URL != "https://github.com/org/repo/issues/88" {
		t.Errorf("issue = %+v", issue)
	}
	if len(calls) != 2 || calls[1][1] != "project" || calls[1][2] != "item-add" {
		t.Errorf("calls = %v", calls)
	}
}
