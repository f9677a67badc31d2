package meeting

import (
	"fmt"
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([\w-]+)`)

// mentionWindow is how many trailing messages are scanned for @mentions
// when building the turn order of a round.
const mentionWindow = 5

// systemPrompt assembles the per-agent system prompt from the meeting
// setup, the agent's persona and the accumulated host directives.
func systemPrompt(agent Agent, topic, task, socketPersona, memoryContext string, recentNotes, directives []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, participating in a structured discussion.\n", agent.Name)
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if task != "" {
		fmt.Fprintf(&b, "Task: %s\n", task)
	}
	if socketPersona != "" {
		b.WriteString(socketPersona)
		b.WriteString("\n")
	}
	if agent.PersonaPrompt != "" {
		fmt.Fprintf(&b, "\nAdditional instructions: %s\n", agent.PersonaPrompt)
	}
	if memoryContext != "" {
		b.WriteString("\n--- SERIES MEMORY (prior meeting context) ---\n")
		b.WriteString(memoryContext)
		b.WriteString("\n")
	}
	if len(recentNotes) > 0 {
		b.WriteString("\n--- RECENT HUMAN NOTES ---\n")
		for _, note := range recentNotes {
			b.WriteString(note)
			b.WriteString("\n")
		}
	}
	if len(directives) > 0 {
		b.WriteString("\n--- ACTIVE DIRECTIVES FROM HOST ---\n")
		for i, directive := range directives {
			fmt.Fprintf(&b, "%d. %s\n", i+1, directive)
		}
	}

	b.WriteString("\n--- INSTRUCTIONS ---\n")
	b.WriteString("Respond naturally as your character. Keep responses concise (2-4 sentences).\n")
	b.WriteString("If you have nothing meaningful to add, respond with exactly: [PASS]\n")
	b.WriteString("Do not repeat what others have said. Build on the conversation.\n")
	b.WriteString("To share structured content (summaries, code, research), prefix with [ARTIFACT] and it will render as markdown.\n")

	return b.String()
}

// socketPersonaBlock formats a socket's system prompt as a persona section.
func socketPersonaBlock(socketName, socketPrompt string) string {
	if socketPrompt == "" {
		return ""
	}
	return fmt.Sprintf("\nYour persona (from socket '%s'):\n%s", socketName, socketPrompt)
}

// conversationContext renders the trailing messages as prompt context.
func conversationContext(messages []*Message, limit int) string {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.MessageType {
		case MessageTypeDirective:
			lines = append(lines, fmt.Sprintf("[DIRECTIVE from %s]: %s", msg.SenderName, msg.Content))
		case MessageTypeStatus:
			lines = append(lines, "[SYSTEM]: "+msg.Content)
		default:
			lines = append(lines, fmt.Sprintf("[%s]: %s", msg.SenderName, msg.Content))
		}
	}
	return strings.Join(lines, "\n")
}

// scanMentions collects @mentioned agent names from the trailing messages,
// in order of first appearance. Only known agent names count.
func scanMentions(messages []*Message, agents []Agent) []string {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.Name] = true
	}

	if len(messages) > mentionWindow {
		messages = messages[len(messages)-mentionWindow:]
	}

	seen := make(map[string]bool)
	var mentioned []string
	for _, msg := range messages {
		for _, match := range mentionPattern.FindAllStringSubmatch(msg.Content, -1) {
			name := match[1]
			if known[name] && !seen[name] {
				seen[name] = true
				mentioned = append(mentioned, name)
			}
		}
	}
	return mentioned
}

// turnOrder schedules mentioned agents first, everyone else after. Both
// groups keep their original relative order.
func turnOrder(agents []Agent, mentioned []string) []Agent {
	if len(mentioned) == 0 {
		return agents
	}
	mentionedSet := make(map[string]bool, len(mentioned))
	for _, name := range mentioned {
		mentionedSet[name] = true
	}

	order := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if mentionedSet[a.Name] {
			order = append(order, a)
		}
	}
	for _, a := range agents {
		if !mentionedSet[a.Name] {
			order = append(order, a)
		}
	}
	return order
}

// buildTranscript renders the persisted message log as plain text.
func buildTranscript(messages []*Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.MessageType {
		case MessageTypeStatus:
			lines = append(lines, "[System]: "+msg.Content)
		case MessageTypeDirective:
			lines = append(lines, fmt.Sprintf("[Directive from %s]: %s", msg.SenderName, msg.Content))
		case MessageTypeArtifact:
			lines = append(lines, fmt.Sprintf("[%s — artifact]:\n%s", msg.SenderName, msg.Content))
		default:
			lines = append(lines, fmt.Sprintf("[%s]: %s", msg.SenderName, msg.Content))
		}
	}
	return strings.Join(lines, "\n")
}
