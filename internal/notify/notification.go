// Package notify delivers coordination events to a human operator. It is
// decoupled from queue consumption: events are queued on a pending list in
// the coordination store and drained by a single delivery loop.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags a notification variant. Formatting dispatches on the tag with
// a mandatory generic fallback, so an unrecognized type is still delivered
// rather than silently dropped.
type Type string

const (
	TypeSystem           Type = "system"
	TypeNewTask          Type = "new_task"
	TypeAgentDown        Type = "agent_down"
	TypeBulkEnqueue      Type = "bulk_enqueue"
	TypeDeploymentFailed Type = "deployment_failed"
	TypeScalingNeeded    Type = "scaling_needed"
	TypeProgressReport   Type = "progress_report"
	TypeQAHandled        Type = "qa_handled"
)

// Notification is one operator-facing event.
type Notification struct {
	ID        string         `json:"id"` // dedup key
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates a notification with a fresh dedup id.
func New(typ Type, payload map[string]any) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Format renders a notification as a single operator-console line. A
// formatter that cannot handle its payload falls back to the generic
// rendering; the message is never dropped.
func Format(n Notification) string {
	switch n.Type {
	case TypeSystem:
		return fmt.Sprintf("[system] %s", payloadString(n.Payload, "message"))
	case TypeNewTask:
		return fmt.Sprintf("[new task] %s queued in %s",
			payloadString(n.Payload, "task_id"), payloadString(n.Payload, "stage"))
	case TypeAgentDown:
		return fmt.Sprintf("[agent down] %s silent since %s (task: %s)",
			payloadString(n.Payload, "agent_id"),
			payloadString(n.Payload, "last_activity"),
			orDash(payloadString(n.Payload, "current_task")))
	case TypeBulkEnqueue:
		return fmt.Sprintf("[bulk enqueue] %s tasks queued in %s",
			payloadString(n.Payload, "count"), payloadString(n.Payload, "stage"))
	case TypeDeploymentFailed:
		return fmt.Sprintf("[deployment FAILED] %s: %s",
			payloadString(n.Payload, "target"), payloadString(n.Payload, "reason"))
	case TypeScalingNeeded:
		return fmt.Sprintf("[scaling needed] %s", payloadString(n.Payload, "message"))
	case TypeProgressReport:
		return formatProgressReport(n)
	case TypeQAHandled:
		return fmt.Sprintf("[qa handled] %s: %s",
			payloadString(n.Payload, "task_id"), payloadString(n.Payload, "resolution"))
	default:
		return formatGeneric(n)
	}
}

// formatGeneric is the fallback for unknown types and unrenderable
// payloads.
func formatGeneric(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", n.Type)
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, n.Payload[k])
	}
	return b.String()
}

func formatProgressReport(n Notification) string {
	depths, ok := n.Payload["stages"].(map[string]any)
	if !ok {
		return formatGeneric(n)
	}
	stages := make([]string, 0, len(depths))
	for stage := range depths {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	parts := make([]string, 0, len(stages)+1)
	for _, stage := range stages {
		parts = append(parts, fmt.Sprintf("%s=%v", stage, depths[stage]))
	}
	if dead, found := n.Payload["dead_letter"]; found {
		parts = append(parts, fmt.Sprintf("dead_letter=%v", dead))
	}
	return "[progress] " + strings.Join(parts, " ")
}

// payloadString reads a payload field as text, rendering non-string values
// with their default representation.
func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return "?"
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func orDash(s string) string {
	if s == "" || s == "?" {
		return "-"
	}
	return s
}
