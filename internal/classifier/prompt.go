package classifier

import (
	"fmt"
	"strings"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// recordDecisionTool is the single tool (spec.md §4.6 step 5) the LLM may
// call; its schema mirrors domain.DecisionOutput.
const recordDecisionTool = "record_decision"

func decisionTool() domain.LLMTool {
	return domain.LLMTool{
		Name:        recordDecisionTool,
		Description: "Record the classification decision for this email message.",
		Schema:      decisionOutputSchema(),
	}
}

func decisionOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action_type":    map[string]any{"type": "string"},
					"parameters":     map[string]any{"type": "object"},
					"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"needs_approval": map[string]any{"type": "boolean"},
					"rationale":      map[string]any{"type": "string"},
				},
				"required": []string{"action_type", "parameters", "confidence", "needs_approval", "rationale"},
			},
			"inverse_hint": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"inverse_action":     map[string]any{"type": "string"},
					"inverse_parameters": map[string]any{"type": "object"},
					"irreversible":       map[string]any{"type": "boolean"},
				},
				"required": []string{"inverse_action", "inverse_parameters", "irreversible"},
			},
		},
		"required": []string{"decision", "inverse_hint"},
	}
}

// buildSystemPrompt assembles the operator directions and LLM-steering
// rules applicable to this message's scope union into one instruction
// block (spec.md §4.6 step 5).
func buildSystemPrompt(directions []*domain.Direction, llmRules []*domain.Rule) string {
	var b strings.Builder
	b.WriteString("You triage one email message on behalf of its owner. ")
	b.WriteString("Call record_decision exactly once with the action to take. ")
	b.WriteString("Only choose an action type from: archive, apply_label, remove_label, mark_read, ")
	b.WriteString("mark_unread, star, unstar, trash, restore, delete, snooze, forward, auto_reply.\n")

	if len(directions) > 0 {
		b.WriteString("\nOperator directions:\n")
		for _, d := range directions {
			fmt.Fprintf(&b, "- (%s) %s\n", d.Scope, d.Text)
		}
	}
	if len(llmRules) > 0 {
		b.WriteString("\nSteering rules (guidance, not hard matches):\n")
		for _, r := range llmRules {
			fmt.Fprintf(&b, "- (%s, priority %d) prefer action %q when conditions resembling this rule's intent are met\n", r.Scope, r.Priority, r.ActionType)
		}
	}
	return b.String()
}

func buildUserPrompt(msg *domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\n", msg.FromName, msg.FromEmail)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if len(msg.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(msg.Labels, ", "))
	}
	for _, h := range msg.Headers {
		fmt.Fprintf(&b, "Header %s: %s\n", h.Name, h.Value)
	}
	return b.String()
}
