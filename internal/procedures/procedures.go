// Package procedures implements declarative stored procedures (spec §4.9):
// a registry of named step programs and an interpreter that executes them
// against the Store and RuleEngine, with template substitution,
// conditionals, aggregation, and optional transaction wrapping.
package procedures

import (
	"github.com/fabricgate/corehub/internal/store"
)

// Condition is an if-step's {ref, operator, value} predicate (spec §4.9).
type Condition struct {
	Ref      string `json:"ref"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// AggregateStep computes sum/avg/min/max/count over a bucket's documents.
type AggregateStep struct {
	Source  string       `json:"source"`
	Field   string       `json:"field"`
	Op      string       `json:"op"`
	As      string       `json:"as"`
	Filters []Condition  `json:"filters,omitempty"`
}

// IfStep branches execution on Condition.
type IfStep struct {
	Condition Condition `json:"condition"`
	Then      []Step    `json:"then,omitempty"`
	Else      []Step    `json:"else,omitempty"`
}

// Step is one instruction in a procedure's program. Only the fields
// relevant to Action are populated; unused fields are the zero value.
type Step struct {
	Action string `json:"action"`
	As     string `json:"as,omitempty"`

	Bucket  string      `json:"bucket,omitempty"`
	ID      any         `json:"id,omitempty"`
	Filters []Condition `json:"filters,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	Topic         string `json:"topic,omitempty"`
	Event         any    `json:"event,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	Aggregate *AggregateStep `json:"aggregate,omitempty"`
	If        *IfStep        `json:"if,omitempty"`
	Return    any            `json:"return,omitempty"`
}

// Procedure is a named, persisted step program (spec §4.9).
type Procedure struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Input       map[string]store.FieldSpec `json:"input,omitempty"`
	Steps       []Step                   `json:"steps"`
	Transaction bool                     `json:"transaction,omitempty"`
}

// Summary is the listing view of a procedure (spec §4.9: "list (summary:
// name, description, stepsCount)").
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepsCount  int    `json:"stepsCount"`
}

// CallResult is the outcome of a successful Call (spec §4.9).
type CallResult struct {
	Success bool           `json:"success"`
	Results map[string]any `json:"results"`
	Result  any            `json:"result,omitempty"`
}
