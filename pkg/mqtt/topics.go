package mqtt

import "strings"

// Topics follow securelinks/coordinator/{name}/{action}/{resource...}.
const (
	TopicPrefix          = "securelinks"
	ComponentCoordinator = "coordinator"

	ActionCommand  = "cmd"
	ActionEvent    = "event"
	ActionHealth   = "health"
	ActionResponse = "response"

	CoordinatorMedia = "media"
)

// TopicBuilder assembles topic strings.
type TopicBuilder struct {
	parts []string
}

// NewTopicBuilder starts a topic at the securelinks prefix.
func NewTopicBuilder() *TopicBuilder {
	return &TopicBuilder{parts: []string{TopicPrefix}}
}

// Coordinator appends the coordinator segment.
func (tb *TopicBuilder) Coordinator(name string) *TopicBuilder {
	tb.parts = append(tb.parts, ComponentCoordinator, name)
	return tb
}

// Action appends an action segment.
func (tb *TopicBuilder) Action(action string) *TopicBuilder {
	tb.parts = append(tb.parts, action)
	return tb
}

// Resource appends one or more resource segments. A resource containing
// slashes is split so "link/generate" becomes two segments.
func (tb *TopicBuilder) Resource(resource string) *TopicBuilder {
	for _, part := range strings.Split(resource, "/") {
		if part != "" {
			tb.parts = append(tb.parts, part)
		}
	}
	return tb
}

// Build joins the segments.
func (tb *TopicBuilder) Build() string {
	return strings.Join(tb.parts, "/")
}

// HealthTopic is where a coordinator publishes its health.
func HealthTopic(coordinator string) string {
	return NewTopicBuilder().Coordinator(coordinator).Action(ActionHealth).Resource("status").Build()
}

// CommandTopic is the topic for one command, e.g. "link/generate".
func CommandTopic(coordinator, command string) string {
	return NewTopicBuilder().Coordinator(coordinator).Action(ActionCommand).Resource(command).Build()
}

// CommandWildcard subscribes to every command of a coordinator.
func CommandWildcard(coordinator string) string {
	return NewTopicBuilder().Coordinator(coordinator).Action(ActionCommand).Build() + "/#"
}

// ResponseTopic is where the answer to command is published.
func ResponseTopic(coordinator, command string) string {
	return NewTopicBuilder().Coordinator(coordinator).Action(ActionResponse).Resource(command).Build()
}

// EventTopic is the topic for an event type such as "violation".
func EventTopic(coordinator, event string) string {
	return NewTopicBuilder().Coordinator(coordinator).Action(ActionEvent).Resource(event).Build()
}

// CommandFromTopic extracts the command from a command topic, returning
// false when topic is not a command topic of coordinator.
func CommandFromTopic(coordinator, topic string) (string, bool) {
	prefix := NewTopicBuilder().Coordinator(coordinator).Action(ActionCommand).Build() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	cmd := strings.TrimPrefix(topic, prefix)
	return cmd, cmd != ""
}
