package rule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// validVariablePattern matches valid variable names:
	// - Must start with a letter or underscore
	// - Can contain letters, numbers, underscores
	// - Can have dot notation for nested fields
	validVariablePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)
)

// CompileCondition converts the decoded JSON/YAML form of a condition into
// a ConditionNode. Accepted forms are {"and": [...]}, {"or": [...]} and a
// leaf {"field", "operator", "value", "ignoreCase"}. A nil input compiles to
// a nil node, which always matches.
func CompileCondition(raw interface{}) (ConditionNode, error) {
	if raw == nil {
		return nil, nil
	}
	return compileNode(raw, "condition")
}

func compileNode(raw interface{}, at string) (ConditionNode, error) {
	m, ok := normalizeMap(raw)
	if !ok {
		return nil, &ConfigError{Field: at, Message: fmt.Sprintf("expected an object, got %T", raw)}
	}

	for _, op := range []GroupOp{OpAnd, OpOr} {
		rawChildren, ok := m[string(op)]
		if !ok {
			continue
		}
		if len(m) != 1 {
			return nil, &ConfigError{Field: at, Message: fmt.Sprintf("%s group must not carry other keys", op)}
		}
		items, ok := rawChildren.([]interface{})
		if !ok && rawChildren != nil {
			return nil, &ConfigError{Field: at + "." + string(op), Message: "children must be a list"}
		}
		group := &Group{Op: op, Children: make([]ConditionNode, 0, len(items))}
		for i, item := range items {
			child, err := compileNode(item, fmt.Sprintf("%s.%s[%d]", at, op, i))
			if err != nil {
				return nil, err
			}
			group.Children = append(group.Children, child)
		}
		return group, nil
	}

	field, _ := m["field"].(string)
	operator, _ := m["operator"].(string)
	ignoreCase, _ := m["ignoreCase"].(bool)

	leaf, err := NewLeaf(field, Operator(strings.ToLower(operator)), m["value"], ignoreCase)
	if err != nil {
		return nil, &ConfigError{Field: at, Message: err.Error()}
	}
	return leaf, nil
}

// NewLeaf validates a leaf and precompiles its literal.
func NewLeaf(field string, op Operator, value interface{}, ignoreCase bool) (*Leaf, error) {
	if field == "" {
		return nil, fmt.Errorf("field cannot be empty")
	}
	if !ValidOperators[op] {
		return nil, fmt.Errorf("invalid operator: %q", op)
	}

	leaf := &Leaf{
		Field:      field,
		Operator:   op,
		Value:      value,
		IgnoreCase: ignoreCase,
		path:       strings.Split(field, "."),
	}

	switch op {
	case OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorLessThan, OperatorLessThanOrEqual:
		n, ok := toNumber(value)
		if !ok {
			return nil, fmt.Errorf("operator %s needs a numeric value, got %v", op, value)
		}
		leaf.number, leaf.isNum = n, true

	case OperatorEquals, OperatorNotEquals:
		if value == nil {
			return nil, fmt.Errorf("operator %s needs a value", op)
		}
		switch v := value.(type) {
		case bool:
			leaf.boolean, leaf.isBool = v, true
		case []interface{}:
			leaf.list = v
		case string:
		default:
			if n, ok := toNumber(v); ok {
				leaf.number, leaf.isNum = n, true
			}
		}

	case OperatorContains, OperatorStartsWith, OperatorEndsWith:
		if _, ok := scalarString(value); !ok {
			return nil, fmt.Errorf("operator %s needs a scalar value", op)
		}

	case OperatorIn, OperatorNotIn:
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("operator %s needs a list value", op)
		}
		leaf.list = list

	case OperatorRegex:
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("regex pattern must be a string")
		}
		if ignoreCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %s", err)
		}
		leaf.pattern = re

	case OperatorWithinMinutes, OperatorWithinHours:
		n, ok := toNumber(value)
		if !ok || n < 0 {
			return nil, fmt.Errorf("operator %s needs a non-negative numeric duration", op)
		}
		unit := time.Minute
		if op == OperatorWithinHours {
			unit = time.Hour
		}
		leaf.window = time.Duration(n * float64(unit))
	}

	return leaf, nil
}

// validateRule checks a rule against the templates known to this load.
func validateRule(rule *Rule, templates map[string]*Template) error {
	if rule.Name == "" {
		return &ConfigError{Field: "name", Message: "rule name cannot be empty"}
	}

	if err := validateType(rule.Type); err != nil {
		return &ConfigError{Rule: rule.Name, Field: "type", Message: err.Error()}
	}

	if rule.Template == "" {
		return &ConfigError{Rule: rule.Name, Field: "template", Message: "template cannot be empty"}
	}
	if _, ok := templates[rule.Template]; !ok {
		return &ConfigError{Rule: rule.Name, Field: "template", Message: fmt.Sprintf("unknown template %q", rule.Template)}
	}

	if rule.DedupEnabled && rule.DedupWindowSeconds <= 0 {
		return &ConfigError{Rule: rule.Name, Field: "dedupWindowSeconds", Message: "must be positive when dedup is enabled"}
	}
	if err := validateTemplate(rule.DedupKey); err != nil {
		return &ConfigError{Rule: rule.Name, Field: "dedupKey", Message: err.Error()}
	}

	if rule.RateLimitEnabled {
		if rule.RateLimitWindowSeconds <= 0 {
			return &ConfigError{Rule: rule.Name, Field: "rateLimitWindowSeconds", Message: "must be positive when rate limiting is enabled"}
		}
		if rule.RateLimitCount < 0 {
			return &ConfigError{Rule: rule.Name, Field: "rateLimitCount", Message: "cannot be negative"}
		}
	}

	return nil
}

// validateType checks an event type pattern. Segments are separated by
// dots; * matches one segment and # matches the rest and must come last.
func validateType(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("type cannot be empty")
	}

	segments := strings.Split(pattern, ".")
	for i, segment := range segments {
		if segment == "" {
			return fmt.Errorf("empty segment not allowed in type")
		}
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}
		if strings.Contains(segment, "*") && segment != "*" {
			return fmt.Errorf("* wildcard must occupy entire segment")
		}
	}

	return nil
}

// validateTemplateDef checks a template definition.
func validateTemplateDef(t *Template) error {
	if t.Name == "" {
		return &ConfigError{Field: "templates.name", Message: "template name cannot be empty"}
	}
	if t.Title == "" && t.Content == "" {
		return &ConfigError{Field: "templates." + t.Name, Message: "title and content cannot both be empty"}
	}
	if t.Channel == "" {
		return &ConfigError{Field: "templates." + t.Name + ".channel", Message: "channel cannot be empty"}
	}
	if t.DedupWindowSeconds < 0 {
		return &ConfigError{Field: "templates." + t.Name + ".dedupWindowSeconds", Message: "cannot be negative"}
	}
	for field, text := range map[string]string{"title": t.Title, "content": t.Content} {
		if err := validateTemplate(text); err != nil {
			return &ConfigError{Field: "templates." + t.Name + "." + field, Message: err.Error()}
		}
	}
	return nil
}

// validateTemplate checks that every double-brace placeholder names a valid
// variable. Single braces are left alone since they also occur in literal
// JSON and markdown.
func validateTemplate(template string) error {
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			return nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return fmt.Errorf("unterminated placeholder")
		}
		name := rest[start+2 : start+end]
		if !isValidVariableName(name) {
			return fmt.Errorf("invalid variable name: %q", name)
		}
		rest = rest[start+end+2:]
	}
}

// isValidVariableName checks if a variable name is valid
func isValidVariableName(name string) bool {
	return validVariablePattern.MatchString(name)
}

// normalizeMap accepts both decoded JSON maps and YAML maps with non-string keys.
func normalizeMap(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}
