package rule

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluateLeaf(t *testing.T) {
	tests := []struct {
		name   string
		leaf   func(t *testing.T) *Leaf
		fields map[string]interface{}
		want   bool
	}{
		// numeric
		{"gt true", func(t *testing.T) *Leaf { return mustLeaf(t, "amount_usd", OperatorGreaterThan, 10000.0) },
			map[string]interface{}{"amount_usd": 15000.0}, true},
		{"gt false", func(t *testing.T) *Leaf { return mustLeaf(t, "amount_usd", OperatorGreaterThan, 10000.0) },
			map[string]interface{}{"amount_usd": 500}, false},
		{"gte equal", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorGreaterThanOrEqual, 90) },
			map[string]interface{}{"cpu": 90.0}, true},
		{"lt int64 field", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorLessThan, 10) },
			map[string]interface{}{"cpu": int64(3)}, true},
		{"lte numeric string field", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorLessThanOrEqual, 10) },
			map[string]interface{}{"cpu": "10"}, true},
		{"gt json number", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorGreaterThan, 1) },
			map[string]interface{}{"cpu": json.Number("2.5")}, true},
		{"gt non numeric field", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorGreaterThan, 1) },
			map[string]interface{}{"cpu": "high"}, false},
		{"gt bool field", func(t *testing.T) *Leaf { return mustLeaf(t, "cpu", OperatorGreaterThan, 0) },
			map[string]interface{}{"cpu": true}, false},

		// eq / ne
		{"eq string", func(t *testing.T) *Leaf { return mustLeaf(t, "transaction_type", OperatorEquals, "swap") },
			map[string]interface{}{"transaction_type": "swap"}, true},
		{"eq string case sensitive", func(t *testing.T) *Leaf { return mustLeaf(t, "transaction_type", OperatorEquals, "swap") },
			map[string]interface{}{"transaction_type": "SWAP"}, false},
		{"eq string ignore case", func(t *testing.T) *Leaf {
			return mustLeaf(t, "transaction_type", OperatorEquals, "swap", true)
		}, map[string]interface{}{"transaction_type": "SWAP"}, true},
		{"eq numeric across types", func(t *testing.T) *Leaf { return mustLeaf(t, "level", OperatorEquals, 3) },
			map[string]interface{}{"level": 3.0}, true},
		{"eq bool", func(t *testing.T) *Leaf { return mustLeaf(t, "ok", OperatorEquals, true) },
			map[string]interface{}{"ok": true}, true},
		{"eq bool from string", func(t *testing.T) *Leaf { return mustLeaf(t, "ok", OperatorEquals, false) },
			map[string]interface{}{"ok": "false"}, true},
		{"eq list", func(t *testing.T) *Leaf {
			return mustLeaf(t, "tags", OperatorEquals, []interface{}{"a", 1.0})
		}, map[string]interface{}{"tags": []interface{}{"a", 1}}, true},
		{"eq list different length", func(t *testing.T) *Leaf {
			return mustLeaf(t, "tags", OperatorEquals, []interface{}{"a"})
		}, map[string]interface{}{"tags": []interface{}{"a", "b"}}, false},
		{"ne string", func(t *testing.T) *Leaf { return mustLeaf(t, "status", OperatorNotEquals, "ok") },
			map[string]interface{}{"status": "down"}, true},
		{"ne numeric with non numeric field", func(t *testing.T) *Leaf { return mustLeaf(t, "status", OperatorNotEquals, 1) },
			map[string]interface{}{"status": "down"}, false},

		// string ops
		{"contains", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorContains, "launch") },
			map[string]interface{}{"text": "token launch today"}, true},
		{"contains case sensitive", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorContains, "Launch") },
			map[string]interface{}{"text": "token launch today"}, false},
		{"contains ignore case", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorContains, "Launch", true) },
			map[string]interface{}{"text": "token launch today"}, true},
		{"contains list field", func(t *testing.T) *Leaf { return mustLeaf(t, "tags", OperatorContains, "urgent") },
			map[string]interface{}{"tags": []interface{}{"ops", "urgent"}}, true},
		{"startswith", func(t *testing.T) *Leaf { return mustLeaf(t, "addr", OperatorStartsWith, "0xdead") },
			map[string]interface{}{"addr": "0xdeadbeef"}, true},
		{"endswith", func(t *testing.T) *Leaf { return mustLeaf(t, "addr", OperatorEndsWith, "beef") },
			map[string]interface{}{"addr": "0xdeadbeef"}, true},
		{"endswith map field", func(t *testing.T) *Leaf { return mustLeaf(t, "addr", OperatorEndsWith, "x") },
			map[string]interface{}{"addr": map[string]interface{}{"x": 1}}, false},

		// membership
		{"in", func(t *testing.T) *Leaf {
			return mustLeaf(t, "chain", OperatorIn, []interface{}{"eth", "sol"})
		}, map[string]interface{}{"chain": "sol"}, true},
		{"in numeric", func(t *testing.T) *Leaf {
			return mustLeaf(t, "code", OperatorIn, []interface{}{500.0, 502.0})
		}, map[string]interface{}{"code": 502}, true},
		{"in absent", func(t *testing.T) *Leaf {
			return mustLeaf(t, "chain", OperatorIn, []interface{}{"eth", "sol"})
		}, map[string]interface{}{"chain": "btc"}, false},
		{"not_in", func(t *testing.T) *Leaf {
			return mustLeaf(t, "chain", OperatorNotIn, []interface{}{"eth", "sol"})
		}, map[string]interface{}{"chain": "btc"}, true},
		{"not_in present", func(t *testing.T) *Leaf {
			return mustLeaf(t, "chain", OperatorNotIn, []interface{}{"eth", "sol"})
		}, map[string]interface{}{"chain": "eth"}, false},

		// regex uses search semantics
		{"regex search", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorRegex, `\$[A-Z]{3,5}`) },
			map[string]interface{}{"text": "buying $PEPE now"}, true},
		{"regex anchored", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorRegex, `^now`) },
			map[string]interface{}{"text": "buying $PEPE now"}, false},
		{"regex ignore case", func(t *testing.T) *Leaf { return mustLeaf(t, "text", OperatorRegex, `pepe`, true) },
			map[string]interface{}{"text": "buying $PEPE now"}, true},

		// temporal
		{"within minutes time value", func(t *testing.T) *Leaf { return mustLeaf(t, "ts", OperatorWithinMinutes, 5) },
			map[string]interface{}{"ts": testNow.Add(-3 * time.Minute)}, true},
		{"within minutes too old", func(t *testing.T) *Leaf { return mustLeaf(t, "ts", OperatorWithinMinutes, 5) },
			map[string]interface{}{"ts": testNow.Add(-6 * time.Minute)}, false},
		{"within hours rfc3339", func(t *testing.T) *Leaf { return mustLeaf(t, "ts", OperatorWithinHours, 2) },
			map[string]interface{}{"ts": testNow.Add(-90 * time.Minute).Format(time.RFC3339)}, true},
		{"within hours unix seconds", func(t *testing.T) *Leaf { return mustLeaf(t, "ts", OperatorWithinHours, 1) },
			map[string]interface{}{"ts": float64(testNow.Add(-30 * time.Minute).Unix())}, true},
		{"within unparseable", func(t *testing.T) *Leaf { return mustLeaf(t, "ts", OperatorWithinHours, 1) },
			map[string]interface{}{"ts": "yesterday"}, false},

		// nested path
		{"dot path", func(t *testing.T) *Leaf { return mustLeaf(t, "token.symbol", OperatorEquals, "ETH") },
			map[string]interface{}{"token": map[string]interface{}{"symbol": "ETH"}}, true},
		{"literal dotted key wins", func(t *testing.T) *Leaf { return mustLeaf(t, "token.symbol", OperatorEquals, "BTC") },
			map[string]interface{}{"token.symbol": "BTC", "token": map[string]interface{}{"symbol": "ETH"}}, true},
		{"dot path through scalar", func(t *testing.T) *Leaf { return mustLeaf(t, "token.symbol", OperatorEquals, "ETH") },
			map[string]interface{}{"token": "ETH"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateAt(tt.leaf(t), Event{Type: "test", Fields: tt.fields}, testNow)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingFieldIsFalseForEveryOperator(t *testing.T) {
	values := map[Operator]interface{}{
		OperatorGreaterThan:        1,
		OperatorGreaterThanOrEqual: 1,
		OperatorLessThan:           1,
		OperatorLessThanOrEqual:    1,
		OperatorEquals:             "x",
		OperatorNotEquals:          "x",
		OperatorContains:           "x",
		OperatorStartsWith:         "x",
		OperatorEndsWith:           "x",
		OperatorIn:                 []interface{}{"x"},
		OperatorNotIn:              []interface{}{"x"},
		OperatorRegex:              ".*",
		OperatorWithinMinutes:      5,
		OperatorWithinHours:        5,
	}
	require.Len(t, values, len(ValidOperators))

	for op, v := range values {
		t.Run(string(op), func(t *testing.T) {
			leaf := mustLeaf(t, "absent", op, v)
			assert.False(t, EvaluateAt(leaf, Event{Fields: map[string]interface{}{"other": 1}}, testNow))
			assert.False(t, EvaluateAt(leaf, Event{}, testNow))
			assert.False(t, EvaluateAt(leaf, Event{Fields: map[string]interface{}{"absent": nil}}, testNow))
		})
	}
}

func TestEvaluateGroups(t *testing.T) {
	yes := mustLeaf(t, "a", OperatorEquals, 1)
	no := mustLeaf(t, "a", OperatorEquals, 2)
	event := Event{Fields: map[string]interface{}{"a": 1}}

	tests := []struct {
		name string
		node ConditionNode
		want bool
	}{
		{"nil condition matches", nil, true},
		{"empty and", And(), true},
		{"empty or", Or(), false},
		{"and true false", And(yes, no), false},
		{"and true true", And(yes, yes), true},
		{"or false true", Or(no, yes), true},
		{"or false false", Or(no, no), false},
		{"nested", And(yes, Or(no, And(yes, yes))), true},
		{"unknown group op", &Group{Op: "xor", Children: []ConditionNode{yes}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateAt(tt.node, event, testNow))
		})
	}
}

func TestGroupShortCircuit(t *testing.T) {
	no := mustLeaf(t, "a", OperatorEquals, 2)
	yes := mustLeaf(t, "a", OperatorEquals, 1)
	event := Event{Fields: map[string]interface{}{"a": 1}}

	// An OR stops at the first true child, so a malformed sibling after it
	// is never reached. A nil *Leaf would panic if evaluated.
	var poisoned *Leaf
	assert.True(t, EvaluateAt(Or(yes, poisoned), event, testNow))
	assert.False(t, EvaluateAt(And(no, poisoned), event, testNow))
}

func TestEvaluateDoesNotMutateEvent(t *testing.T) {
	fields := map[string]interface{}{
		"amount": 5.0,
		"nested": map[string]interface{}{"k": "v"},
	}
	event := Event{Type: "tx", Fields: fields}
	node := And(
		mustLeaf(t, "amount", OperatorGreaterThan, 1),
		mustLeaf(t, "nested.k", OperatorEquals, "v"),
	)

	assert.True(t, EvaluateAt(node, event, testNow))
	assert.Len(t, fields, 2)
	assert.Equal(t, 5.0, fields["amount"])
}

func TestEvaluateIsTotalAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	node := Or(
		And(
			mustLeaf(t, "n", OperatorGreaterThan, 10),
			mustLeaf(t, "s", OperatorContains, "x"),
		),
		mustLeaf(t, "s", OperatorRegex, "^a+$"),
		mustLeaf(t, "t", OperatorWithinMinutes, 1),
		mustLeaf(t, "l", OperatorNotIn, []interface{}{"a", 1.0}),
	)

	samples := []interface{}{nil, 1, 12.5, "x", "aaa", true, testNow, []interface{}{"a"},
		map[string]interface{}{"n": 1}, json.Number("11"), int64(-3)}

	for i := 0; i < 500; i++ {
		fields := map[string]interface{}{}
		for _, k := range []string{"n", "s", "t", "l"} {
			if rng.Intn(3) > 0 {
				fields[k] = samples[rng.Intn(len(samples))]
			}
		}
		event := Event{Type: "any", Fields: fields}
		first := EvaluateAt(node, event, testNow)
		for j := 0; j < 3; j++ {
			require.Equal(t, first, EvaluateAt(node, event, testNow), "fields %v", fmt.Sprint(fields))
		}
	}
}
