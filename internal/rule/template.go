package rule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Render substitutes {name} and {{name}} placeholders in one linear pass.
// Unresolved placeholders stay verbatim and are returned as missing, each
// name once in order of first occurrence. Rendering its own output again
// changes nothing as long as no value contains a placeholder.
func Render(template string, vars map[string]string) (string, []string) {
	if !strings.Contains(template, "{") {
		return template, nil
	}

	var (
		b       strings.Builder
		missing []string
		seen    map[string]bool
	)
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] != '{' {
			next := strings.IndexByte(template[i:], '{')
			if next < 0 {
				b.WriteString(template[i:])
				break
			}
			b.WriteString(template[i : i+next])
			i += next
			continue
		}

		name, width := scanPlaceholder(template[i:])
		if width == 0 {
			// a malformed opener is copied with its whole brace run so
			// no substitution can land right after a literal brace
			run := i + 1
			for run < len(template) && template[run] == '{' {
				run++
			}
			b.WriteString(template[i:run])
			i = run
			continue
		}

		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(template[i : i+width])
			if !seen[name] {
				if seen == nil {
					seen = make(map[string]bool)
				}
				seen[name] = true
				missing = append(missing, name)
			}
		}
		i += width
	}

	return b.String(), missing
}

// scanPlaceholder parses a placeholder at the start of s and returns its
// name and byte width, or width 0 when s does not start with one.
func scanPlaceholder(s string) (string, int) {
	double := strings.HasPrefix(s, "{{")
	open := 1
	if double {
		open = 2
	}

	end := open
	for end < len(s) && isNameByte(s[end], end == open) {
		end++
	}
	if end == open {
		return "", 0
	}

	name := s[open:end]
	if double {
		if strings.HasPrefix(s[end:], "}}") {
			return name, end + 2
		}
		return "", 0
	}
	if end < len(s) && s[end] == '}' {
		return name, end + 1
	}
	return "", 0
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '.':
		return true
	}
	return false
}

// FlattenFields turns event fields into template variables. Nested maps
// flatten to dot keys, numbers use the shortest representation and
// timestamps use RFC3339.
func FlattenFields(fields map[string]interface{}) map[string]string {
	vars := make(map[string]string, len(fields))
	flattenInto(vars, "", fields)
	return vars
}

func flattenInto(vars map[string]string, prefix string, fields map[string]interface{}) {
	for k, v := range fields {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := normalizeMap(v); ok {
			flattenInto(vars, key, nested)
			continue
		}
		vars[key] = formatValue(v)
	}
}

// formatValue converts a value to its string representation
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case nil:
		return ""
	case []interface{}:
		// For complex types, convert to JSON
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(jsonBytes)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SortedKeys returns the keys of vars in ascending order.
func SortedKeys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
