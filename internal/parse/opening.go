package parse

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Trigger type identifiers, shared across the router, the deliberation
// engine, and the board integration.
const (
	TriggerPRReview     = "pr_review"
	TriggerBuildFailure = "build_failure"
	TriggerPRDKickoff   = "prd_kickoff"
	TriggerCodeWatch    = "code_watch"
	TriggerIssueReview  = "issue_review"
)

var prOpeners = []string{
	"Opened PR #%s — taking a look before it lands.",
	"PR #%s is up. Giving it a pass now.",
	"New PR #%s just landed in the queue, reviewing.",
	"PR #%s opened — let's see what we're working with.",
}

var codeWatchOpeners = []string{
	"Flagging something the code watch caught at %s: %s",
	"Code watch tripped on %s — %s",
	"Caught during the sweep at %s: %s",
	"Something at %s looks off: %s",
	"Flagging %s — the scanner reports: %s",
}

var (
	locationLineRe = regexp.MustCompile(`(?m)^Location:\s*(.+)$`)
	signalLineRe   = regexp.MustCompile(`(?m)^Signal:\s*(.+)$`)
	snippetLineRe  = regexp.MustCompile(`(?ms)^Snippet:\s*\n?(.+)\z`)
)

// OpeningMessage builds the deterministic thread opener for a trigger.
// Template choice hashes the trigger ref so reposts of the same trigger
// read the same.
func OpeningMessage(triggerType, ref, context, url string) string {
	switch triggerType {
	case TriggerPRReview:
		line := fmt.Sprintf(prOpeners[hashPick(ref, len(prOpeners))], ref)
		if url != "" {
			line += " " + url
		}
		return line

	case TriggerBuildFailure:
		return fmt.Sprintf("Build broke on %s. Looking into it.\n\n%s", ref, truncate(context, 500))

	case TriggerPRDKickoff:
		return fmt.Sprintf("Picking up %s. Going to start carving out the implementation.", ref)

	case TriggerCodeWatch:
		location := firstMatch(locationLineRe, context, "an unspecified location")
		signal := firstMatch(signalLineRe, context, "something worth a second look")
		line := fmt.Sprintf(codeWatchOpeners[hashPick(ref, len(codeWatchOpeners))], location, signal)
		if m := snippetLineRe.FindStringSubmatch(context); m != nil {
			snippet := strings.TrimSpace(m[1])
			if snippet != "" {
				line += "\n```\n" + snippet + "\n```"
			}
		}
		return line

	default:
		return truncate(context, 500)
	}
}

// CodeWatchIssueTitle derives the board issue title from code-watch context.
func CodeWatchIssueTitle(context string) string {
	location := firstMatch(locationLineRe, context, "unknown location")
	signal := firstMatch(signalLineRe, context, "code watch finding")
	return fmt.Sprintf("fix: %s at %s", signal, location)
}

var auditLeadVerbRe = regexp.MustCompile(`^(found|noticed|flagging|caught)\s+`)

// AuditIssueTitle turns the first line of an audit finding into an issue
// title: "fix: " + lowercased line, lead verbs and terminal punctuation
// stripped, body capped at 80 characters.
func AuditIssueTitle(line string) string {
	s := strings.ToLower(strings.TrimSpace(line))
	s = strings.TrimRight(s, ".!?")
	s = auditLeadVerbRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		s = "code watch finding"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return "fix: " + s
}

func firstMatch(re *regexp.Regexp, s, fallback string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		if v := strings.TrimSpace(m[1]); v != "" {
			return v
		}
	}
	return fallback
}

func hashPick(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
