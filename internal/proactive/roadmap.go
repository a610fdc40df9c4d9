package proactive

import (
	"path/filepath"
	"strconv"
	"strings"
)

const roadmapFile = "ROADMAP.md"

// roadmapSummary condenses a project's ROADMAP.md checkbox list into one
// line of context for the proactive prompt. Returns "" when the file is
// missing or carries no checkbox items.
func (l *Loop) roadmapSummary(projectPath, projectName string) string {
	data, err := l.readFile(filepath.Join(projectPath, roadmapFile))
	if err != nil {
		return ""
	}

	var done, total int
	var next []string
	for _, raw := range strings.Split(string(data), "\n") {
		title, checked, ok := roadmapItem(raw)
		if !ok {
			continue
		}
		total++
		if checked {
			done++
		} else if len(next) < 3 {
			next = append(next, title)
		}
	}
	if total == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(projectName)
	b.WriteString(": ")
	b.WriteString(strconv.Itoa(done))
	b.WriteString("/")
	b.WriteString(strconv.Itoa(total))
	b.WriteString(" roadmap items done.")
	if len(next) > 0 {
		b.WriteString(" Next up: ")
		b.WriteString(strings.Join(next, ", "))
		b.WriteString(".")
	}
	return b.String()
}

// roadmapItem parses one "- [ ] title" / "- [x] title" line.
func roadmapItem(line string) (title string, checked, ok bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "- [") && !strings.HasPrefix(s, "* [") {
		return "", false, false
	}
	s = s[3:]
	if len(s) < 2 || s[1] != ']' {
		return "", false, false
	}
	switch s[0] {
	case ' ':
	case 'x', 'X':
		checked = true
	default:
		return "", false, false
	}
	title = strings.TrimSpace(s[2:])
	if title == "" {
		return "", false, false
	}
	return title, checked, true
}
