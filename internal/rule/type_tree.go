package rule

import (
	"fmt"
	"strings"
)

// TypeTree is a prefix tree over dot-separated event type patterns. A *
// segment matches exactly one segment and a trailing # matches one or more.
// Trees are built once per snapshot and read concurrently afterwards.
type TypeTree struct {
	root *TypeNode
}

// TypeNode represents a node in the type tree
type TypeNode struct {
	segment    string
	isWildcard bool
	rules      []*Rule
	children   map[string]*TypeNode
}

func NewTypeTree() *TypeTree {
	return &TypeTree{root: &TypeNode{children: make(map[string]*TypeNode)}}
}

// AddRule adds a rule under its type pattern
func (t *TypeTree) AddRule(rule *Rule) error {
	if rule == nil || rule.Type == "" {
		return fmt.Errorf("invalid rule or empty type")
	}
	if err := validateType(rule.Type); err != nil {
		return err
	}

	segments := strings.Split(rule.Type, ".")

	current := t.root
	for i, segment := range segments {
		// Create or get next node
		next, exists := current.children[segment]
		if !exists {
			next = &TypeNode{
				segment:    segment,
				isWildcard: segment == "*" || segment == "#",
				children:   make(map[string]*TypeNode),
			}
			current.children[segment] = next
		}

		if i == len(segments)-1 {
			next.rules = append(next.rules, rule)
		}
		current = next
	}

	return nil
}

// FindMatches returns every rule whose pattern matches the event type
func (t *TypeTree) FindMatches(eventType string) []*Rule {
	if eventType == "" {
		return nil
	}

	var matches []*Rule
	t.findMatches(t.root, strings.Split(eventType, "."), 0, &matches)
	return matches
}

// findMatches recursively finds matching rules
func (t *TypeTree) findMatches(node *TypeNode, segments []string, depth int, matches *[]*Rule) {
	if node == nil {
		return
	}

	// If we've matched all segments, collect rules
	if depth == len(segments) {
		*matches = append(*matches, node.rules...)
		return
	}

	segment := segments[depth]
	nextDepth := depth + 1

	// Check exact match
	if child, ok := node.children[segment]; ok {
		t.findMatches(child, segments, nextDepth, matches)
	}

	// Check single-level wildcard
	if child, ok := node.children["*"]; ok {
		t.findMatches(child, segments, nextDepth, matches)
	}

	// Check multi-level wildcard
	if child, ok := node.children["#"]; ok {
		*matches = append(*matches, child.rules...)
	}
}

// containsWildcard checks if a type pattern contains wildcards
func containsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*") || strings.Contains(pattern, "#")
}
