package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Telegram rejects messages over 4096 characters; leave room for the
// code fence and timestamp.
const maxRenderedLen = 3800

type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is an engine alert: a headline plus optional sections
// rendered inside one monospace block.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

func (m StructuredMessage) RenderMarkdown() string {
	parts := make([]string, 0, 4)
	if h := strings.TrimSpace(m.Icon + " " + m.Title); h != "" {
		parts = append(parts, h)
	}
	if body := m.body(); body != "" {
		parts = append(parts, "```\n"+body+"```")
	}
	if f := strings.TrimSpace(m.Footer); f != "" {
		parts = append(parts, unfence(f))
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, fmt.Sprintf("time: %s", m.Timestamp.Format("2006-01-02 15:04:05 MST")))
	}
	out := strings.Join(parts, "\n\n")
	if len(out) > maxRenderedLen {
		out = out[:maxRenderedLen] + "..."
	}
	return out
}

// body lists every non-empty section; blank lines are dropped and sections
// without lines are skipped along with their title.
func (m StructuredMessage) body() string {
	var blocks []string
	for _, sec := range m.Sections {
		var b strings.Builder
		for _, line := range sec.Lines {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString("- " + unfence(line) + "\n")
			}
		}
		if b.Len() == 0 {
			continue
		}
		if t := strings.TrimSpace(sec.Title); t != "" {
			blocks = append(blocks, unfence(t)+"\n"+b.String())
		} else {
			blocks = append(blocks, b.String())
		}
	}
	return strings.Join(blocks, "\n")
}

// unfence keeps user text from closing the code block early.
func unfence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
