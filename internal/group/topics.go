package group

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTopicPrefix namespaces every topic this process declares.
const DefaultTopicPrefix = "socmind"

// unsafeTopicChars matches anything Kafka does not accept in a topic name.
var unsafeTopicChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// TopicNames derives broker topic and consumer-group names from ids.
type TopicNames struct {
	Prefix string
}

// NewTopicNames returns names under the given prefix (DefaultTopicPrefix when empty).
func NewTopicNames(prefix string) TopicNames {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return TopicNames{Prefix: sanitize(prefix)}
}

// ChatInbox is the durable inbox for one member of one chat: <prefix>.chat.<chat>.<member>.
func (n TopicNames) ChatInbox(chatID, memberID string) string {
	return fmt.Sprintf("%s.chat.%s.%s", n.Prefix, sanitize(chatID), sanitize(memberID))
}

// Control is the direct-routed control inbox of a member.
func (n TopicNames) Control(memberID string) string {
	return fmt.Sprintf("%s.control.%s", n.Prefix, sanitize(memberID))
}

// DeadLetter receives envelopes that exhausted their redeliveries.
func (n TopicNames) DeadLetter() string {
	return n.Prefix + ".deadletter"
}

// ConsumerGroup is the consumer group a member reads all of its inboxes with.
func (n TopicNames) ConsumerGroup(memberID string) string {
	return fmt.Sprintf("%s.member.%s", n.Prefix, sanitize(memberID))
}

func sanitize(s string) string {
	return unsafeTopicChars.ReplaceAllString(s, "_")
}
