package game

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
)

type Reason string

const (
	ReasonMalformed  Reason = "malformed"
	ReasonMissing    Reason = "missing"
	ReasonWrongType  Reason = "wrong_type"
	ReasonBlank      Reason = "blank"
	ReasonTooLong    Reason = "too_long"
	ReasonOutOfRange Reason = "out_of_range"
)

// ValidationError is a rejected decision. Message is relayed to the agent verbatim.
type ValidationError struct {
	Field   string
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func reject(field string, reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Schema is the JSON schema advertised to the agent for req. Length and range
// bounds are not part of it; they are checked semantically so the agent gets a
// specific message back.
func (r DecisionRequest) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{r.Field.Name},
		Properties: map[string]*jsonschema.Schema{
			r.Field.Name: {Type: r.Field.Type},
		},
	}
}

// ValidateName accepts 1..MaxNameLength characters and passes the name through unchanged.
func ValidateName(name string) (DecisionValue, error) {
	n := utf8.RuneCountInString(name)
	if n == 0 {
		return DecisionValue{}, reject("name", ReasonBlank, "Received blank name. Must enter in a name.")
	}
	if n > MaxNameLength {
		return DecisionValue{}, reject("name", ReasonTooLong,
			"Received %d character name. Name cannot exceed %d characters.", n, MaxNameLength)
	}
	return NameDecision(name), nil
}

func ValidateAnswer(answer string) (DecisionValue, error) {
	n := utf8.RuneCountInString(answer)
	if n == 0 {
		return DecisionValue{}, reject("answer", ReasonBlank, "Received blank answer. Must enter in an answer.")
	}
	if n > MaxAnswerLength {
		return DecisionValue{}, reject("answer", ReasonTooLong,
			"Received %d character answer. Answer cannot exceed %d characters.", n, MaxAnswerLength)
	}
	return AnswerDecision(answer), nil
}

// ValidateVote takes the agent's 1-based choice and returns the 0-based index.
func ValidateVote(vote, optionCount int) (DecisionValue, error) {
	if vote < 1 || vote > optionCount {
		return DecisionValue{}, reject("vote", ReasonOutOfRange,
			"Invalid choice. Choices are from 1 to %d, inclusive.", optionCount)
	}
	return VoteDecision(vote - 1), nil
}

// Rule turns a raw action payload into a canonical decision.
type Rule func(raw string) (DecisionValue, error)

type stage func(data map[string]any) error

// RuleFor composes the pipeline for req: parse, required field, schema, then
// the semantic check of its kind. optionCount bounds votes.
func RuleFor(req DecisionRequest, optionCount int) Rule {
	field := req.Field.Name
	checks := []stage{
		requireField(field),
		matchSchema(req.Schema(), field, req.Field.Type),
	}
	return func(raw string) (DecisionValue, error) {
		data, err := parse(raw)
		if err != nil {
			return DecisionValue{}, err
		}
		for _, check := range checks {
			if err := check(data); err != nil {
				return DecisionValue{}, err
			}
		}
		return semantic(req.Kind, field, data[field], optionCount)
	}
}

// Validate runs the full pipeline for req once.
func Validate(req DecisionRequest, raw string, optionCount int) (DecisionValue, error) {
	return RuleFor(req, optionCount)(raw)
}

func parse(raw string) (map[string]any, error) {
	if raw == "" {
		raw = "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, reject("", ReasonMalformed, "Invalid JSON: %s", err.Error())
	}
	data, ok := v.(map[string]any)
	if !ok {
		return nil, reject("", ReasonMalformed, "Data must be a JSON object.")
	}
	return data, nil
}

func requireField(field string) stage {
	return func(data map[string]any) error {
		if _, ok := data[field]; !ok {
			return reject(field, ReasonMissing, "Data must contain field '%s'.", field)
		}
		return nil
	}
}

func matchSchema(schema *jsonschema.Schema, field, typ string) stage {
	resolved, err := schema.Resolve(nil)
	return func(data map[string]any) error {
		if err != nil {
			return reject(field, ReasonMalformed, "Schema for '%s' is invalid: %s", field, err.Error())
		}
		if resolved.Validate(data) != nil {
			return wrongType(field, typ)
		}
		return nil
	}
}

func wrongType(field, typ string) *ValidationError {
	article := "a"
	if typ == "integer" {
		article = "an"
	}
	return reject(field, ReasonWrongType, "'%s' must be %s %s.", field, article, typ)
}

func semantic(kind DecisionKind, field string, value any, optionCount int) (DecisionValue, error) {
	switch kind {
	case KindName, KindAnswer:
		s, ok := value.(string)
		if !ok {
			return DecisionValue{}, wrongType(field, "string")
		}
		if kind == KindName {
			return ValidateName(s)
		}
		return ValidateAnswer(s)
	case KindVote:
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return DecisionValue{}, wrongType(field, "integer")
		}
		if f < 1 || f > float64(optionCount) {
			return ValidateVote(0, optionCount)
		}
		return ValidateVote(int(f), optionCount)
	}
	return DecisionValue{}, reject(field, ReasonMalformed, "Unsupported decision kind '%s'.", kind)
}
