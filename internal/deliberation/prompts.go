package deliberation

import (
	"fmt"
	"strings"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/personas"
)

// personaSystemPrompt renders a persona's identity for the model.
func personaSystemPrompt(p personas.Persona, mode string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, %s on a small engineering team, chatting in the team's Slack.\n", p.Name, p.Role)

	if len(p.Soul.Beliefs) > 0 {
		sb.WriteString("You believe: " + strings.Join(p.Soul.Beliefs, "; ") + ".\n")
	}
	if len(p.Soul.PetPeeves) > 0 {
		sb.WriteString("Pet peeves: " + strings.Join(p.Soul.PetPeeves, "; ") + ".\n")
	}
	if p.Style.Voice != "" {
		sb.WriteString("Voice: " + p.Style.Voice + "\n")
	}
	if p.Style.EmojiRules != "" {
		sb.WriteString("Emoji: " + p.Style.EmojiRules + "\n")
	}
	if mode != "" {
		if instr, ok := p.Skill.Modes[mode]; ok {
			sb.WriteString(instr + "\n")
		}
	}
	sb.WriteString("Write like a human teammate: short, specific, no assistant boilerplate. " +
		"Reply SKIP if you have nothing worth adding.")
	return sb.String()
}

func rosterLine(list []personas.Persona, selfID string) string {
	var names []string
	for _, p := range list {
		if p.ID == selfID {
			continue
		}
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.Role))
	}
	if len(names) == 0 {
		return ""
	}
	return "Teammates in this thread: " + strings.Join(names, ", ") + "."
}

func historyBlock(msgs []chat.Message) string {
	if len(msgs) == 0 {
		return "(thread is empty so far)"
	}
	var sb strings.Builder
	for _, m := range msgs {
		author := m.Author
		if author == "" {
			author = "someone"
		}
		fmt.Fprintf(&sb, "%s: %s\n", author, m.Text)
	}
	return sb.String()
}

// contributionPrompt is one slot of a discussion round.
func contributionPrompt(trigger Trigger, roster []personas.Persona, self personas.Persona, history []chat.Message, round int, finalRound bool, memoryText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The team is discussing a %s trigger (%s) on project %s.\n", trigger.Type, trigger.Ref, trigger.ProjectPath)
	if trigger.Context != "" {
		sb.WriteString("\nContext:\n" + trigger.Context + "\n")
	}
	if line := rosterLine(roster, self.ID); line != "" {
		sb.WriteString("\n" + line + "\n")
	}
	if memoryText != "" {
		sb.WriteString("\nYour notes from earlier work here:\n" + memoryText + "\n")
	}
	sb.WriteString("\nThread so far:\n" + historyBlock(history))
	fmt.Fprintf(&sb, "\nThis is round %d of the discussion.", round)
	if finalRound {
		sb.WriteString(" This is the final round; land your strongest point.")
	}
	sb.WriteString("\nAdd one short contribution from your specialty, or SKIP.")
	return sb.String()
}

// verdictPrompt asks the lead for the consensus call.
const verdictSystem = "You are the tech lead closing out a team discussion. " +
	"Answer with exactly one line, starting with one of:\n" +
	"APPROVE: <short reason>\n" +
	"CHANGES: <specific asks>\n" +
	"HUMAN: <why this needs a person>"

func verdictPrompt(trigger Trigger, history []chat.Message) string {
	return fmt.Sprintf("Discussion on %s trigger (%s):\n\n%s\nYour verdict line:",
		trigger.Type, trigger.Ref, historyBlock(history))
}

// issueVerdictPrompt asks the lead to triage a filed issue.
const issueVerdictSystem = "You are the tech lead triaging an issue the team just discussed. " +
	"Answer with exactly one line, starting with one of:\n" +
	"READY: <why it can be picked up>\n" +
	"CLOSE: <why it should be closed>\n" +
	"DRAFT: <what is still missing>"

func issueVerdictPrompt(ref string, history []chat.Message) string {
	return fmt.Sprintf("Issue %s. Thread:\n\n%s\nYour triage line:", ref, historyBlock(history))
}

// casual keyword sets for the ad-hoc reply path.
var (
	greetingWords = []string{"hey", "hi", "hello", "yo", "sup", "morning", "afternoon"}
	techWords     = []string{
		"bug", "error", "deploy", "build", "test", "merge", "branch", "api",
		"database", "code", "review", "pr", "issue", "crash", "fix", "release",
		"auth", "security", "perf", "latency", "migration",
	}
)

// isCasual is true for greetings with no engineering keywords.
func isCasual(text string) bool {
	lower := strings.ToLower(text)
	greeted := false
	for _, w := range greetingWords {
		if strings.Contains(lower, w) {
			greeted = true
			break
		}
	}
	if !greeted {
		return false
	}
	for _, w := range techWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

func replyPrompt(incoming string, history []chat.Message, projectContext, memoryText string, casual bool) string {
	var sb strings.Builder
	if casual {
		sb.WriteString("A teammate said something casual in the channel. Respond in kind, briefly.\n")
	} else {
		sb.WriteString("A teammate asked you something. Be concrete and useful.\n")
	}
	if projectContext != "" {
		sb.WriteString("\nProject context: " + projectContext + "\n")
	}
	if memoryText != "" {
		sb.WriteString("\nYour notes:\n" + memoryText + "\n")
	}
	if len(history) > 0 {
		sb.WriteString("\nThread so far:\n" + historyBlock(history))
	}
	sb.WriteString("\nTheir message: " + incoming + "\nYour reply:")
	return sb.String()
}

func proactivePrompt(projectCtx, roadmapCtx, memoryText string) string {
	var sb strings.Builder
	sb.WriteString("The channel has been quiet for a while. Post one short, unprompted message " +
		"a real engineer might drop: an observation, a nudge on open work, or a question. " +
		"1-2 sentences. Do not repeat a topic from your notes. SKIP if you have nothing.\n")
	if projectCtx != "" {
		sb.WriteString("\nProject status: " + projectCtx + "\n")
	}
	if roadmapCtx != "" {
		sb.WriteString("\nRoadmap: " + roadmapCtx + "\n")
	}
	if memoryText != "" {
		sb.WriteString("\nYour notes (topics you already raised):\n" + memoryText + "\n")
	}
	sb.WriteString("\nYour message:")
	return sb.String()
}

// resumeLine is what the lead posts when a paused discussion picks back up.
func resumeLine() string {
	return "Picking this back up — where were we. Let me take another look."
}
