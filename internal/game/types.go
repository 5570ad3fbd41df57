package game

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhaseIdle           Phase = "Idle"
	PhaseAwaitingName   Phase = "AwaitingName"
	PhaseJoining        Phase = "Joining"
	PhaseAwaitingAnswer Phase = "AwaitingAnswer"
	PhaseAwaitingVote   Phase = "AwaitingVote"
	PhaseTerminated     Phase = "Terminated"
)

// DecisionBearing reports whether the surface expects the agent to decide
// something while in this phase.
func (p Phase) DecisionBearing() bool {
	switch p {
	case PhaseAwaitingName, PhaseAwaitingAnswer, PhaseAwaitingVote:
		return true
	}
	return false
}

const (
	MaxNameLength   = 12
	MaxAnswerLength = 45
	RoomCodeLength  = 4

	GameName = "Quiplash 2"
)

// PhasePayload is what one poll of the surface observed. It is never cached.
type PhasePayload struct {
	Phase   Phase    `json:"phase"`
	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`
	// Waiting is set when the vote page is up but other players still have to finish.
	Waiting bool `json:"waiting,omitempty"`
	// Unreadable is set when a marker could not be read this poll.
	Unreadable bool `json:"unreadable,omitempty"`
}

// Fingerprint identifies the observed prompt so that a decision already applied
// to it is not requested a second time.
func (p PhasePayload) Fingerprint() string {
	return string(p.Phase) + "\x00" + p.Prompt + "\x00" + strings.Join(p.Options, "\x00")
}

type DecisionKind string

const (
	KindName   DecisionKind = "name"
	KindAnswer DecisionKind = "answer"
	KindVote   DecisionKind = "vote"
)

// DecisionValue is a validated decision. Text carries names and answers, Index
// carries the zero-based vote.
type DecisionValue struct {
	Kind  DecisionKind `json:"kind"`
	Text  string       `json:"text,omitempty"`
	Index int          `json:"index"`
}

func NameDecision(name string) DecisionValue     { return DecisionValue{Kind: KindName, Text: name} }
func AnswerDecision(answer string) DecisionValue { return DecisionValue{Kind: KindAnswer, Text: answer} }
func VoteDecision(index int) DecisionValue       { return DecisionValue{Kind: KindVote, Index: index} }

func (v DecisionValue) String() string {
	switch v.Kind {
	case KindVote:
		return fmt.Sprintf("vote = %d", v.Index+1)
	default:
		return fmt.Sprintf("%s = %q", v.Kind, v.Text)
	}
}

// FieldSpec describes the single payload field an action accepts.
type FieldSpec struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // "string" or "integer"
	MaxLength int    `json:"maxLength,omitempty"`
	Min       int    `json:"min,omitempty"`
	Max       int    `json:"max,omitempty"`
}

// DecisionRequest describes one decision window. It is immutable once opened.
type DecisionRequest struct {
	ID          string       `json:"id"`
	Phase       Phase        `json:"phase"`
	Kind        DecisionKind `json:"kind"`
	Action      string       `json:"action"`
	Description string       `json:"description"`
	Field       FieldSpec    `json:"field"`
	State       string       `json:"state"`
	Query       string       `json:"query"`
	Prompt      string       `json:"prompt,omitempty"`
	Options     []string     `json:"options,omitempty"`
}

func NameRequest() DecisionRequest {
	return DecisionRequest{
		Phase:       PhaseAwaitingName,
		Kind:        KindName,
		Action:      "set_name",
		Description: fmt.Sprintf("Sets your name. Cannot be longer than %d characters.", MaxNameLength),
		Field:       FieldSpec{Name: "name", Type: "string", MaxLength: MaxNameLength},
		State:       "You're starting a game of Quiplash.",
		Query:       "Choose your name.",
	}
}

func AnswerRequest(prompt string) DecisionRequest {
	return DecisionRequest{
		Phase:       PhaseAwaitingAnswer,
		Kind:        KindAnswer,
		Action:      "respond",
		Description: fmt.Sprintf("Responds with your answer to the prompt. Cannot be longer than %d characters.", MaxAnswerLength),
		Field:       FieldSpec{Name: "answer", Type: "string", MaxLength: MaxAnswerLength},
		State:       "Prompt: " + prompt,
		Query:       "Write a response to the given prompt.",
		Prompt:      prompt,
	}
}

func VoteRequest(prompt string, options []string) DecisionRequest {
	var sb strings.Builder
	sb.WriteString("Prompt: " + prompt + "\nAnswers:")
	for i, o := range options {
		sb.WriteString(fmt.Sprintf("\n%d: %s", i+1, o))
	}
	return DecisionRequest{
		Phase:       PhaseAwaitingVote,
		Kind:        KindVote,
		Action:      "cast_vote",
		Description: "Votes for the best answer to the prompt. Provide the index of your favorite answer.",
		Field:       FieldSpec{Name: "vote", Type: "integer", Min: 1, Max: len(options)},
		State:       "You're voting on your favorite answer to the prompt.",
		Query:       sb.String(),
		Prompt:      prompt,
		Options:     append([]string(nil), options...),
	}
}
