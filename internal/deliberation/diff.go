package deliberation

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s: %w\noutput: %s", name, err, out)
	}
	return out, nil
}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.+```")
	filePathRe   = regexp.MustCompile(`\b[\w./-]+\.(go|ts|tsx|js|jsx|py|rs|java|rb|c|cc|cpp|h|sql|sh|yaml|yml|json|proto)\b`)
	diffMarkRe   = regexp.MustCompile(`(?m)^(\+\+\+|---|@@|diff --git)`)
	codeTokenRe  = regexp.MustCompile(`\b(function|class)\b|if\s*\(|try\s*\{`)
)

// hasCodeEvidence reports whether a PR-review context already carries
// something concrete to discuss.
func hasCodeEvidence(context string) bool {
	return fencedCodeRe.MatchString(context) ||
		filePathRe.MatchString(context) ||
		diffMarkRe.MatchString(context) ||
		codeTokenRe.MatchString(context)
}

const (
	diffMaxLines = 160
	diffMaxChars = 5000
)

// fetchPRDiff pulls a bounded diff excerpt for the PR so the first round
// has real code to argue about. Best-effort: any failure returns "".
func (e *Engine) fetchPRDiff(ctx context.Context, projectPath, ref string) string {
	prNumber := strings.TrimPrefix(ref, "#")
	if prNumber == "" {
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	out, err := e.runGit(cctx, projectPath, "gh", "pr", "diff", prNumber)
	if err != nil {
		return ""
	}

	lines := strings.Split(string(out), "\n")
	if len(lines) > diffMaxLines {
		lines = lines[:diffMaxLines]
	}
	diff := strings.Join(lines, "\n")
	if len(diff) > diffMaxChars {
		diff = diff[:diffMaxChars]
	}
	if strings.TrimSpace(diff) == "" {
		return ""
	}
	return "Diff excerpt:\n```\n" + diff + "\n```"
}

// searchProject is the query_codebase tool: a bounded filesystem scan for
// lines matching the query. gh/git are not assumed; this works on any
// checkout.
func searchProject(projectPath, query string) string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || projectPath == "" {
		return "no results"
	}

	var sb strings.Builder
	matches := 0
	filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || matches >= 20 {
			return filepath.SkipAll
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > 512*1024 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !utf8Like(data) {
			return nil
		}
		rel, _ := filepath.Rel(projectPath, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), query) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(truncateLine(line, 200)))
				matches++
				if matches >= 20 {
					break
				}
			}
		}
		return nil
	})

	if matches == 0 {
		return "no results"
	}
	return sb.String()
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// utf8Like is a cheap binary-file filter.
func utf8Like(data []byte) bool {
	limit := len(data)
	if limit > 1024 {
		limit = 1024
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return false
		}
	}
	return true
}
