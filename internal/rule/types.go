package rule

import (
	"fmt"
	"regexp"
	"time"
)

// Event is a structured occurrence reported by a watcher. Field values are
// strings, numbers, bools, timestamps or nested maps addressed by dot-path.
type Event struct {
	Type       string                 `json:"type"`
	Fields     map[string]interface{} `json:"fields"`
	OccurredAt time.Time              `json:"occurredAt"`
	DedupKey   string                 `json:"dedupKey,omitempty"` // producer-supplied occurrence id
}

// Rule binds a condition to a template plus dedup and rate policies.
// Rules are read-only once loaded.
type Rule struct {
	Name        string
	Type        string // event type, may use * and # segment wildcards
	Description string
	Condition   ConditionNode
	Template    string
	Priority    int
	IsActive    bool

	DedupEnabled       bool
	DedupWindowSeconds int
	DedupKey           string // optional template rendered against event variables

	RateLimitEnabled       bool
	RateLimitCount         int
	RateLimitWindowSeconds int
}

// Template holds the title and content patterns plus delivery settings.
type Template struct {
	Name               string `json:"name" yaml:"name"`
	Title              string `json:"title" yaml:"title"`
	Content            string `json:"content" yaml:"content"`
	Channel            string `json:"channel" yaml:"channel"`
	IsUrgent           bool   `json:"urgent" yaml:"urgent"`
	DedupWindowSeconds int    `json:"dedupWindowSeconds" yaml:"dedupWindowSeconds"`
}

// RuleSet is the result of one load pass.
type RuleSet struct {
	Rules     []*Rule
	Templates map[string]*Template
	Errors    []error // rules and templates excluded from the set
	LoadedAt  time.Time
}

// Template returns the named template or nil.
func (rs *RuleSet) Template(name string) *Template {
	if rs == nil {
		return nil
	}
	return rs.Templates[name]
}

// GroupOp is the logical operator of a condition group.
type GroupOp string

const (
	OpAnd GroupOp = "and"
	OpOr  GroupOp = "or"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OperatorGreaterThan        Operator = "gt"
	OperatorGreaterThanOrEqual Operator = "gte"
	OperatorLessThan           Operator = "lt"
	OperatorLessThanOrEqual    Operator = "lte"
	OperatorEquals             Operator = "eq"
	OperatorNotEquals          Operator = "ne"
	OperatorContains           Operator = "contains"
	OperatorStartsWith         Operator = "startswith"
	OperatorEndsWith           Operator = "endswith"
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "not_in"
	OperatorRegex              Operator = "regex"
	OperatorWithinMinutes      Operator = "within_minutes"
	OperatorWithinHours        Operator = "within_hours"
)

// ValidOperators contains all valid comparison operators
var ValidOperators = map[Operator]bool{
	OperatorGreaterThan:        true,
	OperatorGreaterThanOrEqual: true,
	OperatorLessThan:           true,
	OperatorLessThanOrEqual:    true,
	OperatorEquals:             true,
	OperatorNotEquals:          true,
	OperatorContains:           true,
	OperatorStartsWith:         true,
	OperatorEndsWith:           true,
	OperatorIn:                 true,
	OperatorNotIn:              true,
	OperatorRegex:              true,
	OperatorWithinMinutes:      true,
	OperatorWithinHours:        true,
}

// ConditionNode is either a *Group or a *Leaf.
type ConditionNode interface {
	conditionNode()
}

// Group combines child conditions. An empty AND is true, an empty OR is false.
type Group struct {
	Op       GroupOp
	Children []ConditionNode
}

// Leaf compares one event field against a literal. Build leaves with
// NewLeaf or CompileCondition so the literal is checked and precompiled.
type Leaf struct {
	Field      string
	Operator   Operator
	Value      interface{}
	IgnoreCase bool

	path    []string
	number  float64
	isNum   bool
	boolean bool
	isBool  bool
	list    []interface{}
	pattern *regexp.Regexp
	window  time.Duration
}

func (*Group) conditionNode() {}
func (*Leaf) conditionNode()  {}

// And builds an AND group.
func And(children ...ConditionNode) *Group {
	return &Group{Op: OpAnd, Children: children}
}

// Or builds an OR group.
func Or(children ...ConditionNode) *Group {
	return &Group{Op: OpOr, Children: children}
}

// ConfigError reports a malformed rule or template found at load time.
// The offending rule is excluded; other rules are unaffected.
type ConfigError struct {
	Rule    string
	Field   string
	Message string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("rule %s: %s: %s", e.Rule, e.Field, e.Message)
}
