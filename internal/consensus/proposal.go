// Package consensus recognizes proposals embedded in chat messages, tallies
// APPROVE votes, and executes proposals once a majority of the chat agrees.
package consensus

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Proposal kinds.
const (
	KindDelegation = "delegation"
	KindConclusion = "conclusion"
)

// ApproveToken marks a message as a vote for the outstanding proposal.
const ApproveToken = "APPROVE"

// Delegation asks for a new sub-group with the given members and task.
type Delegation struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Task    string   `json:"task"`
}

// Conclusion closes the chat with the given text.
type Conclusion struct {
	Conclusion string `json:"conclusion"`
}

// Proposal is the outstanding request of a chat. Exactly one of Delegation
// and Conclusion is set.
type Proposal struct {
	Kind       string
	Delegation *Delegation
	Conclusion *Conclusion
	ProposerID string
	Voters     map[string]struct{}
}

// Summary renders the proposal payload as indented JSON.
func (p *Proposal) Summary() string {
	var v any = p.Conclusion
	if p.Kind == KindDelegation {
		v = p.Delegation
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return p.Kind
	}
	return string(data)
}

// Predicate decides whether a decoded JSON object is acceptable.
type Predicate func(obj map[string]any) bool

// candidatePattern matches innermost brace-delimited substrings.
var candidatePattern = regexp.MustCompile(`\{[^{}]*\}`)

// FindFirstValidJSONObject scans text left to right for brace-delimited
// substrings and returns the first one that decodes as a JSON object and
// satisfies any of the predicates. Candidates that fail to decode are skipped.
func FindFirstValidJSONObject(text string, preds ...Predicate) (string, map[string]any, bool) {
	for _, candidate := range candidatePattern.FindAllString(text, -1) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
			continue
		}
		for _, pred := range preds {
			if pred(obj) {
				return candidate, obj, true
			}
		}
	}
	return "", nil, false
}

// IsDelegation matches {name: string, members: string[], task: string}.
func IsDelegation(obj map[string]any) bool {
	if _, ok := obj["name"].(string); !ok {
		return false
	}
	if _, ok := obj["task"].(string); !ok {
		return false
	}
	members, ok := obj["members"].([]any)
	if !ok {
		return false
	}
	for _, m := range members {
		if _, ok := m.(string); !ok {
			return false
		}
	}
	return true
}

// IsConclusion matches {conclusion: string}.
func IsConclusion(obj map[string]any) bool {
	_, ok := obj["conclusion"].(string)
	return ok
}

// Detect returns the first delegation or conclusion proposal found in text.
func Detect(text string) (*Proposal, bool) {
	raw, obj, ok := FindFirstValidJSONObject(text, IsDelegation, IsConclusion)
	if !ok {
		return nil, false
	}
	if IsDelegation(obj) {
		var d Delegation
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, false
		}
		return &Proposal{Kind: KindDelegation, Delegation: &d}, true
	}
	var c Conclusion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false
	}
	return &Proposal{Kind: KindConclusion, Conclusion: &c}, true
}

// IsApproval reports whether text carries the approval token.
func IsApproval(text string) bool {
	return strings.Contains(text, ApproveToken)
}
