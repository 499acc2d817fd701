// Package prompt builds the system prompts and resume headers handed to the
// agent CLIs.
package prompt

import (
	"fmt"
	"strings"

	"github.com/agusx1211/fedi/internal/bus"
)

const maxResumeMessages = 5

// Lead builds the supervising agent's system prompt. workers is the roster
// it may delegate to.
func Lead(workers []bus.AgentID) string {
	var b strings.Builder

	b.WriteString("You are the LEAD agent of a multi-agent team. ")
	b.WriteString("You receive the user's task, break it down, and delegate sub-tasks to worker agents. ")
	b.WriteString("You are fully autonomous: there is no human in the loop to answer questions mid-task.\n\n")

	b.WriteString("Available workers:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s\n", w)
	}
	b.WriteString("\n")

	b.WriteString("To delegate, write a line starting with the tag in uppercase:\n\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "[TO:%s] <instructions>\n", strings.ToUpper(string(w)))
	}
	b.WriteString("\n")
	b.WriteString("The tag must open the line. Instructions may follow on the same line, ")
	b.WriteString("or on the lines below up to a blank line when the tag stands alone.\n\n")

	b.WriteString("Track progress with the task board:\n")
	b.WriteString("[TASK:add] <short description>\n")
	b.WriteString("[TASK:done] <matching description>\n\n")

	b.WriteString("When a worker reports back, review its output and either delegate the next step ")
	b.WriteString("or summarize the result for the user. Keep replies short.\n")

	return b.String()
}

// Worker builds a worker agent's system prompt.
func Worker(id bus.AgentID) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are worker agent %q in a multi-agent team, executing sub-tasks for the lead agent. ", id)
	b.WriteString("You are fully autonomous: do exactly what the task says, nothing more.\n\n")

	b.WriteString("When you finish, report back with a line:\n\n")
	b.WriteString("[TO:LEAD] <summary of what you did>\n\n")
	b.WriteString("The tag must open the line. Keep the summary factual and short.\n")

	return b.String()
}

// ResumeHeader renders the context block injected into the lead's first
// prompt after a resume: the original task plus the tail of the transcript.
func ResumeHeader(task string, messages []bus.Message) string {
	var b strings.Builder

	b.WriteString("SESSION RESUME\n")
	fmt.Fprintf(&b, "Original task: %s\n", task)

	tail := messages
	if len(tail) > maxResumeMessages {
		tail = tail[len(tail)-maxResumeMessages:]
	}
	if len(tail) > 0 {
		b.WriteString("Recent messages:\n")
		for _, m := range tail {
			fmt.Fprintf(&b, "[%s→%s] %s\n", m.From, m.To, m.Content)
		}
	}
	b.WriteString("Continue the task from where it left off.\n")

	return b.String()
}
