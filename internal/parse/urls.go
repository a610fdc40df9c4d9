package parse

import (
	"regexp"
	"strings"
)

var (
	anyURLRe       = regexp.MustCompile(`https?://[^\s<>|]+`)
	bracketURLRe   = regexp.MustCompile(`<(https?://[^|>]+)\|[^>]*>`)
	ghIssuePath    = regexp.MustCompile(`github\.com/[\w.-]+/[\w.-]+/(issues|pull)/\d+`)
	ghIssuePartsRe = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)`)
)

// ExtractGitHubIssueURLs returns GitHub issue and PR URLs found in text,
// in order of appearance.
func ExtractGitHubIssueURLs(text string) []string {
	var out []string
	for _, u := range allURLs(text) {
		if ghIssuePath.MatchString(u) {
			out = append(out, u)
		}
	}
	return out
}

// ExtractGenericURLs returns every http(s) URL that is not a GitHub URL.
// Slack-style bracket links <url|label> contribute the URL only.
func ExtractGenericURLs(text string) []string {
	var out []string
	for _, u := range allURLs(text) {
		if strings.Contains(u, "github.com") {
			continue
		}
		out = append(out, u)
	}
	return out
}

func allURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)

	for _, m := range bracketURLRe.FindAllStringSubmatch(text, -1) {
		u := trimURL(m[1])
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	stripped := bracketURLRe.ReplaceAllString(text, " ")
	for _, u := range anyURLRe.FindAllString(stripped, -1) {
		u = trimURL(u)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func trimURL(u string) string {
	return strings.TrimRight(u, ".,!?)>")
}

// IssueRefFromURL converts a GitHub issue URL into its "<owner>/<repo>#<n>"
// trigger ref. PR URLs and anything else report ok=false.
func IssueRefFromURL(u string) (ref string, ok bool) {
	m := ghIssuePartsRe.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	return m[1] + "/" + m[2] + "#" + m[3], true
}
