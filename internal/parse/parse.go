// Package parse holds the pure classification grammars for inbound chat
// text: job requests, direct provider invocations, issue pickups, ambient
// chatter, plus the URL extractors and opening-message templates.
//
// Everything here is a pure function over strings. All regexps are compiled
// once at package load; these run on every inbound message.
package parse

import (
	"regexp"
	"strings"
)

// JobRequest is the parsed form of a "do work" message.
type JobRequest struct {
	Job          string // "run", "review", "qa"
	ProjectHint  string
	PRNumber     string
	FixConflicts bool
	// LeadingCommand is true when the message starts with the verb,
	// which lets unaddressed messages through the router gate.
	LeadingCommand bool
}

// ProviderRequest is a direct LLM-provider invocation ("ask claude to ...").
type ProviderRequest struct {
	Provider       string // "claude" or "codex"
	ProjectHint    string
	Prompt         string
	LeadingCommand bool
}

// IssuePickup is a request to start work on a GitHub issue.
type IssuePickup struct {
	Owner  string
	Repo   string
	Number string
	URL    string
}

// stopwords are never accepted as project hints.
var stopwords = map[string]bool{
	"and": true, "or": true, "for": true, "on": true, "of": true,
	"please": true, "now": true, "it": true, "this": true, "these": true,
	"those": true, "the": true, "a": true, "an": true, "pr": true,
	"pull": true, "that": true, "thanks": true, "thank": true,
	"again": true, "job": true, "pipeline": true,
}

var (
	userMentionRe = regexp.MustCompile(`<@[A-Z0-9]+>|@U[A-Z0-9]{4,}`)
	spaceRe       = regexp.MustCompile(`\s+`)

	prURLRe          = regexp.MustCompile(`https?://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)
	malformedPRURLRe = regexp.MustCompile(`https?://github\.com/\S*?/pull/?(\s|$)`)
	barePullRe       = regexp.MustCompile(`(^|\s)/pull/(\d+)\b`)
	hashRefRe        = regexp.MustCompile(`(^|[\s(])#(\d+)\b`)

	jobVerbRe      = regexp.MustCompile(`(^|\s)(run|review|qa)(\s|$|[.,!?])`)
	hintRe         = regexp.MustCompile(`\b(?:for|on)\s+([\w./-]+)`)
	mergeConflict  = regexp.MustCompile(`merge\s+conflict`)
	providerRe     = regexp.MustCompile(`(^|\s)(claude|codex)(\s|$|[.,!?:])`)
	providerLeadRe = regexp.MustCompile(`^(?:(?:please|can you|someone)\s+)*(?:(?:run|use|invoke|trigger|ask)\s+)?(claude|codex)\b`)
	providerHintRe = regexp.MustCompile(`^(?:for|on)\s+([\w./-]+)\s*`)

	teamRequestRe  = regexp.MustCompile(`\b(can someone|please|need|someone|anyone)\b`)
	pickupIntentRe = regexp.MustCompile(`\b(pick up|pickup|work on|implement|tackle|start on|grab|handle this|ship this)\b`)

	issueURLRe      = regexp.MustCompile(`https?://github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)`)
	boardIssueURLRe = regexp.MustCompile(`https?://github\.com/\S*\?\S*issue=([\w.-]+)(?:%7C|\|)([\w.-]+)(?:%7C|\|)(\d+)`)
	issueRefRe      = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)

	greetingRe = regexp.MustCompile(`^(hey|hi|hello|yo|sup)\b`)
	crowdRe    = regexp.MustCompile(`\b(guys|team|everyone|folks)\b`)
)

// NormalizeForParsing lowercases, collapses whitespace, and strips user
// mention tokens. File-path segments (foo/bar.ts) survive untouched.
func NormalizeForParsing(text string) string {
	s := userMentionRe.ReplaceAllString(text, " ")
	s = strings.ToLower(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ParseJobRequest recognizes job-verb requests and bare PR references.
// Returns nil when the text carries neither.
func ParseJobRequest(text string) *JobRequest {
	norm := NormalizeForParsing(text)
	if norm == "" {
		return nil
	}

	req := &JobRequest{}

	if m := jobVerbRe.FindStringSubmatch(norm); m != nil {
		req.Job = m[2]
		req.LeadingCommand = strings.HasPrefix(norm, m[2]+" ") || norm == m[2]
	}

	if m := prURLRe.FindStringSubmatch(norm); m != nil {
		req.PRNumber = m[3]
		if hint := m[2]; !stopwords[hint] {
			req.ProjectHint = hint
		}
	} else if malformedPRURLRe.MatchString(norm) {
		// Broken PR link: keep whatever verb parsed, drop any hint
		// the URL might have implied.
	} else if m := barePullRe.FindStringSubmatch(norm); m != nil {
		req.PRNumber = m[2]
	} else if m := hashRefRe.FindStringSubmatch(norm); m != nil {
		// A bare #N only reads as a PR in context: alongside a job verb
		// or PR language. Inside URL-like tokens the anchor never fires
		// because the regexp requires whitespace (or "(") before "#".
		if req.Job != "" || strings.Contains(norm, "pull") || containsWord(norm, "pr") {
			req.PRNumber = m[2]
		}
	}

	if req.Job == "" && req.PRNumber == "" {
		return nil
	}

	// Merge-conflict language promotes a PR reference into a review job.
	if req.PRNumber != "" && mergeConflict.MatchString(norm) {
		req.Job = "review"
		req.FixConflicts = true
	}

	if req.ProjectHint == "" {
		if m := hintRe.FindStringSubmatch(norm); m != nil {
			hint := strings.Trim(m[1], ".,!?")
			if !stopwords[hint] && hint != "" {
				req.ProjectHint = hint
			}
		}
	}

	return req
}

// ParseProviderRequest recognizes "run claude on <project> <prompt>" style
// direct invocations. Returns nil when no provider keyword is present.
func ParseProviderRequest(text string) *ProviderRequest {
	norm := NormalizeForParsing(text)
	m := providerRe.FindStringSubmatchIndex(norm)
	if m == nil {
		return nil
	}

	req := &ProviderRequest{
		Provider:       norm[m[4]:m[5]],
		LeadingCommand: providerLeadRe.MatchString(norm),
	}

	rest := strings.TrimSpace(norm[m[5]:])
	rest = strings.TrimLeft(rest, ".,!?: ")

	if hm := providerHintRe.FindStringSubmatch(rest); hm != nil {
		hint := strings.Trim(hm[1], ".,!?")
		if !stopwords[hint] && hint != "" {
			req.ProjectHint = hint
		}
		rest = strings.TrimSpace(rest[len(hm[0]):])
	}

	req.Prompt = rest
	return req
}

// ParseIssuePickup recognizes a GitHub issue URL combined with
// pickup-intent language. Returns nil otherwise.
func ParseIssuePickup(text string) *IssuePickup {
	norm := NormalizeForParsing(text)

	var pickup *IssuePickup
	if m := issueURLRe.FindStringSubmatch(text); m != nil {
		pickup = &IssuePickup{Owner: m[1], Repo: m[2], Number: m[3], URL: m[0]}
	} else if m := boardIssueURLRe.FindStringSubmatch(text); m != nil {
		pickup = &IssuePickup{Owner: m[1], Repo: m[2], Number: m[3], URL: m[0]}
	}
	if pickup == nil {
		return nil
	}

	if pickupIntentRe.MatchString(norm) {
		return pickup
	}
	if (strings.Contains(norm, "please") || strings.Contains(norm, "someone")) &&
		strings.Contains(norm, "issue") {
		return pickup
	}
	return nil
}

// IsAmbientChatter reports whether text is casual team small talk: a
// greeting opener plus either crowd language or a short message.
func IsAmbientChatter(text string) bool {
	norm := NormalizeForParsing(text)
	if !greetingRe.MatchString(norm) {
		return false
	}
	if crowdRe.MatchString(norm) {
		return true
	}
	return len(strings.Fields(norm)) <= 6
}

// IsTeamRequest reports whether text reads as asking the room for help.
func IsTeamRequest(text string) bool {
	return teamRequestRe.MatchString(NormalizeForParsing(text))
}

// ParseIssueRef splits an "<owner>/<repo>#<number>" trigger ref.
func ParseIssueRef(ref string) (owner, repo, number string, ok bool) {
	m := issueRefRe.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

func containsWord(s, word string) bool {
	for _, f := range strings.Fields(s) {
		if strings.Trim(f, ".,!?") == word {
			return true
		}
	}
	return false
}
