package chat

import (
	"fmt"
	"strings"

	"github.com/socmind/socmind/internal/timeline"
)

// SeedMessage is the first system message of a chat created with a topic. It
// lists the committee and explains how to delegate, conclude and vote.
func SeedMessage(topic string, members []timeline.Member, society []timeline.Member) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(topic))
	b.WriteString("\n\nCommittee members:\n")
	for _, m := range members {
		fmt.Fprintf(&b, "%s: %s\n", m.ID, displayName(m))
	}
	b.WriteString("\n")
	b.WriteString(delegationRules(society))
	b.WriteString("\n")
	b.WriteString(conclusionRules)
	b.WriteString("\n")
	b.WriteString(votingRules)
	return b.String()
}

func delegationRules(society []timeline.Member) string {
	var b strings.Builder
	b.WriteString("Members of the society who can be delegated to:\n")
	for _, m := range society {
		fmt.Fprintf(&b, "%s: %s\n", m.ID, displayName(m))
	}
	b.WriteString(`
The committee may hand a sub-task to any member or group of members of the society when their expertise would move this discussion forward.
To propose a delegation, output a JSON object with a name for the new group, the ids of its members, and the task:
{"name": "Fourier Transform Implementation", "members": ["leibniz", "tao"], "task": "Implement the transform described in the brief and explain each step."}
A group may consist of a single member. Discuss with the committee before delegating.
`)
	return b.String()
}

const conclusionRules = `The goal of this discussion is a satisfying and comprehensive conclusion on the topic at hand.
To propose a conclusion, output a JSON object with the conclusion as its only field:
{"conclusion": "Your conclusion here..."}
A confirmation is posted once a conclusion is recorded.
`

const votingRules = `Every proposal needs the approval of at least half the committee, rounded up. The proposer counts as the first vote.
To vote for the outstanding proposal, reply with a message containing the word APPROVE. A newer proposal replaces the outstanding one and its votes.
`

// JoinedNotice announces a member added to an existing chat.
func JoinedNotice(name string) string {
	return name + " has joined the chat."
}

// ConclusionNotice announces a chat's conclusion.
func ConclusionNotice(text string) string {
	return "The committee has reached a conclusion: " + text
}

// ParentConclusionNotice relays a sub-group's conclusion into the chat that delegated it.
func ParentConclusionNotice(groupName, chatID, text string) string {
	if groupName == "" {
		groupName = chatID
	}
	return fmt.Sprintf("The group %q (chat %s) has concluded: %s", groupName, chatID, text)
}

func displayName(m timeline.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}
