package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/models"
)

// countingLeaf returns a fixed result and counts how often it was asked
type countingLeaf struct {
	kind   models.ConditionType
	result bool
	calls  *int
}

func (p countingLeaf) Type() models.ConditionType                { return p.kind }
func (p countingLeaf) Operators() []string                       { return []string{models.OpEq} }
func (p countingLeaf) Validate(node *models.ConditionNode) error { return nil }

func (p countingLeaf) Evaluate(_ context.Context, _ *models.ConditionNode, _ *EvaluationContext) (EvaluationResult, error) {
	*p.calls++
	if p.result {
		return matched("%s true", p.kind), nil
	}
	return unmatched("%s false", p.kind), nil
}

func testSubject() *models.Subject {
	lastActivity := testNow.Add(-3 * 24 * time.Hour)
	return &models.Subject{
		ID:             "sub-1",
		Name:           "Jane Doe",
		Status:         "ACTIVE",
		Email:          "jane@example.com",
		Phone:          "+15550100",
		OwnerID:        "user-owner",
		Tags:           []string{"vip", "referral"},
		Attributes:     map[string]interface{}{"balance": 2500.0},
		CreatedAt:      testNow.Add(-10 * 24 * time.Hour),
		LastActivityAt: &lastActivity,
	}
}

func testContext(subject *models.Subject) *EvaluationContext {
	ec := &EvaluationContext{
		Now:       testNow,
		ActorID:   "user-actor",
		ActorRole: "manager",
		Payload:   map[string]interface{}{},
	}
	if subject != nil {
		ec.SubjectID = subject.ID
		ec.Subject = subject
	}
	return ec
}

func TestEvaluateComposite(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		logic    models.LogicOperator
		children []bool
		expected bool
		calls    int
	}{
		{name: "and all true", logic: models.LogicAnd, children: []bool{true, true, true}, expected: true, calls: 3},
		{name: "and stops at first false", logic: models.LogicAnd, children: []bool{true, false, true}, expected: false, calls: 2},
		{name: "and single false", logic: models.LogicAnd, children: []bool{false}, expected: false, calls: 1},
		{name: "or stops at first true", logic: models.LogicOr, children: []bool{false, true, false}, expected: true, calls: 2},
		{name: "or all false", logic: models.LogicOr, children: []bool{false, false}, expected: false, calls: 2},
		{name: "or single true", logic: models.LogicOr, children: []bool{true}, expected: true, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evaluator := NewEvaluator(time.UTC)
			calls := 0
			evaluator.Register(countingLeaf{kind: "fixed_true", result: true, calls: &calls})
			evaluator.Register(countingLeaf{kind: "fixed_false", result: false, calls: &calls})

			node := &models.ConditionNode{Logic: tt.logic}
			for _, c := range tt.children {
				kind := models.ConditionType("fixed_false")
				if c {
					kind = "fixed_true"
				}
				node.Children = append(node.Children, &models.ConditionNode{Type: kind})
			}

			res, err := evaluator.Evaluate(ctx, node, testContext(nil))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Matched)
			assert.Equal(t, tt.calls, calls)
			assert.NotEmpty(t, res.Explanation)
		})
	}
}

// TestEvaluateNestedShortCircuit checks And(Or(a, b), Or(c, And(d, e))) under every
// assignment of the five leaves against Go's own && and ||.
func TestEvaluateNestedShortCircuit(t *testing.T) {
	ctx := context.Background()
	names := []string{"a", "b", "c", "d", "e"}
	leaf := func(name string) *models.ConditionNode {
		return &models.ConditionNode{Type: models.ConditionType("leaf_" + name)}
	}
	tree := models.And(
		models.Or(leaf("a"), leaf("b")),
		models.Or(leaf("c"), models.And(leaf("d"), leaf("e"))),
	)

	for mask := 0; mask < 1<<len(names); mask++ {
		values := make(map[string]bool, len(names))
		for i, name := range names {
			values[name] = mask&(1<<i) != 0
		}

		t.Run(fmt.Sprintf("a=%t,b=%t,c=%t,d=%t,e=%t", values["a"], values["b"], values["c"], values["d"], values["e"]), func(t *testing.T) {
			evaluator := NewEvaluator(time.UTC)
			calls := make(map[string]*int, len(names))
			for _, name := range names {
				n := 0
				calls[name] = &n
				evaluator.Register(countingLeaf{kind: models.ConditionType("leaf_" + name), result: values[name], calls: &n})
			}

			seen := make(map[string]bool, len(names))
			visit := func(name string) bool {
				seen[name] = true
				return values[name]
			}
			expected := (visit("a") || visit("b")) && (visit("c") || (visit("d") && visit("e")))

			res, err := evaluator.Evaluate(ctx, tree, testContext(nil))
			require.NoError(t, err)
			assert.Equal(t, expected, res.Matched)
			assert.NotEmpty(t, res.Explanation)
			for _, name := range names {
				want := 0
				if seen[name] {
					want = 1
				}
				assert.Equal(t, want, *calls[name], "leaf %s evaluations", name)
			}
		})
	}
}

func TestEvaluateStructuralErrors(t *testing.T) {
	ctx := context.Background()
	evaluator := NewEvaluator(time.UTC)

	t.Run("nil tree matches", func(t *testing.T) {
		res, err := evaluator.Evaluate(ctx, nil, testContext(nil))
		require.NoError(t, err)
		assert.True(t, res.Matched)
	})

	t.Run("empty AND is a config error", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, models.And(), testContext(nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRuleConfig)
	})

	t.Run("empty OR is a config error", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, models.Or(), testContext(nil))
		assert.Equal(t, KindInvalidRuleConfig, KindOf(err))
	})

	t.Run("unknown leaf type", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, models.Leaf("credit_score", "", 700), testContext(nil))
		assert.Equal(t, KindUnknownConditionType, KindOf(err))
	})

	t.Run("unknown leaf nested under AND", func(t *testing.T) {
		node := models.And(models.Leaf(models.ConditionHasTag, "", "vip"), models.Leaf("nope", "", nil))
		_, err := evaluator.Evaluate(ctx, node, testContext(testSubject()))
		assert.ErrorIs(t, err, ErrUnknownConditionType)
	})

	t.Run("invalid operator", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, models.Leaf(models.ConditionHasTag, models.OpGt, "vip"), testContext(testSubject()))
		assert.Equal(t, KindInvalidRuleConfig, KindOf(err))
	})

	t.Run("validate reports the path", func(t *testing.T) {
		node := models.And(models.Leaf(models.ConditionHasTag, "", "vip"), models.Or())
		err := evaluator.Validate(node)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "conditions.children[1]")
	})

	t.Run("validate rejects bad leaf values", func(t *testing.T) {
		err := evaluator.Validate(models.Leaf(models.ConditionAgeInDays, "", "seven"))
		assert.Equal(t, KindInvalidRuleConfig, KindOf(err))
	})
}

func TestRegisterDuplicateLeafPanics(t *testing.T) {
	evaluator := NewEvaluator(time.UTC)
	assert.Panics(t, func() {
		evaluator.Register(statusEquals{})
	})
}

func TestLeafConditions(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords(testSubject())
	records.docs["sub-1/"] = 4
	records.docs["sub-1/id_proof"] = 1
	records.missing["sub-1"] = []string{"bank_statement", "id_proof"}
	records.tasks["sub-1/"] = 6
	records.tasks["sub-1/open"] = 2
	records.overdue["sub-1"] = 1

	tests := []struct {
		name     string
		node     *models.ConditionNode
		payload  map[string]interface{}
		subject  *models.Subject
		expected bool
	}{
		{name: "status equals", node: models.Leaf(models.ConditionStatusEquals, "", "ACTIVE"), subject: testSubject(), expected: true},
		{name: "status is case sensitive", node: models.Leaf(models.ConditionStatusEquals, "", "active"), subject: testSubject(), expected: false},
		{name: "status neq", node: models.Leaf(models.ConditionStatusEquals, models.OpNeq, "LEAD"), subject: testSubject(), expected: true},
		{name: "status prefers newStatus from payload", node: models.Leaf(models.ConditionStatusEquals, "", "CLOSED"), subject: testSubject(), payload: map[string]interface{}{"newStatus": "CLOSED"}, expected: true},
		{name: "status unknown without subject", node: models.Leaf(models.ConditionStatusEquals, models.OpNeq, "LEAD"), expected: false},

		{name: "has tag", node: models.Leaf(models.ConditionHasTag, "", "vip"), subject: testSubject(), expected: true},
		{name: "missing tag", node: models.Leaf(models.ConditionHasTag, "", "churned"), subject: testSubject(), expected: false},
		{name: "tag absent with neq", node: models.Leaf(models.ConditionHasTag, models.OpNeq, "churned"), subject: testSubject(), expected: true},
		{name: "no tag set never matches", node: models.Leaf(models.ConditionHasTag, models.OpNeq, "churned"), subject: &models.Subject{ID: "sub-1"}, expected: false},

		{name: "age gte default operator", node: models.Leaf(models.ConditionAgeInDays, "", 7), subject: testSubject(), expected: true},
		{name: "age lt", node: models.Leaf(models.ConditionAgeInDays, models.OpLt, 7), subject: testSubject(), expected: false},
		{name: "age since last activity", node: &models.ConditionNode{Type: models.ConditionAgeInDays, Operator: models.OpEq, Operand: 3, Field: "last_activity_at"}, subject: testSubject(), expected: true},
		{name: "age without activity is unmatched", node: &models.ConditionNode{Type: models.ConditionAgeInDays, Operand: 0, Field: "last_activity_at"}, subject: &models.Subject{ID: "sub-1", CreatedAt: testNow}, expected: false},
		{name: "age without subject is unmatched", node: models.Leaf(models.ConditionAgeInDays, "", 0), expected: false},

		{name: "missing required documents", node: models.Leaf(models.ConditionMissingRequiredDocuments, "", true), subject: testSubject(), expected: true},
		{name: "missing documents default value", node: models.Leaf(models.ConditionMissingRequiredDocuments, "", nil), subject: testSubject(), expected: true},
		{name: "all documents present expected", node: models.Leaf(models.ConditionMissingRequiredDocuments, "", false), subject: testSubject(), expected: false},
		{name: "missing documents scoped to category", node: &models.ConditionNode{Type: models.ConditionMissingRequiredDocuments, Field: "tax_return"}, subject: testSubject(), expected: false},

		{name: "document count", node: models.Leaf(models.ConditionDocumentCount, models.OpGte, 3), subject: testSubject(), expected: true},
		{name: "document count by category", node: &models.ConditionNode{Type: models.ConditionDocumentCount, Operator: models.OpEq, Operand: 1, Field: "id_proof"}, subject: testSubject(), expected: true},
		{name: "task count", node: models.Leaf(models.ConditionTaskCount, models.OpGt, 6), subject: testSubject(), expected: false},
		{name: "task count by status", node: &models.ConditionNode{Type: models.ConditionTaskCount, Operator: models.OpLte, Operand: 2, Field: "open"}, subject: testSubject(), expected: true},
		{name: "has overdue task", node: models.Leaf(models.ConditionHasOverdueTask, "", true), subject: testSubject(), expected: true},
		{name: "no overdue task expected", node: models.Leaf(models.ConditionHasOverdueTask, "", false), subject: testSubject(), expected: false},

		{name: "numeric threshold from payload", node: &models.ConditionNode{Type: models.ConditionNumericThreshold, Operator: models.OpGt, Operand: 1000, Field: "loan.amount"}, payload: map[string]interface{}{"loan": map[string]interface{}{"amount": 1500.0}}, expected: true},
		{name: "numeric threshold from attributes", node: &models.ConditionNode{Type: models.ConditionNumericThreshold, Operand: 2500, Field: "balance"}, subject: testSubject(), expected: true},
		{name: "numeric threshold numeric string", node: &models.ConditionNode{Type: models.ConditionNumericThreshold, Operator: models.OpLt, Operand: 10, Field: "score"}, payload: map[string]interface{}{"score": "7.5"}, expected: true},
		{name: "numeric threshold missing field", node: &models.ConditionNode{Type: models.ConditionNumericThreshold, Operator: models.OpLt, Operand: 10, Field: "score"}, expected: false},
		{name: "numeric threshold non numeric", node: &models.ConditionNode{Type: models.ConditionNumericThreshold, Operator: models.OpNeq, Operand: 10, Field: "score"}, payload: map[string]interface{}{"score": "high"}, expected: false},

		{name: "actor role", node: models.Leaf(models.ConditionActorRoleEquals, "", "manager"), expected: true},
		{name: "actor role neq", node: models.Leaf(models.ConditionActorRoleEquals, models.OpNeq, "manager"), expected: false},

		{name: "inside business hours", node: models.Leaf(models.ConditionTimeOfDay, "", []interface{}{"09:00", "17:00"}), expected: true},
		{name: "outside night window", node: models.Leaf(models.ConditionTimeOfDay, "", []interface{}{"22:00", "06:00"}), expected: false},
		{name: "window end is exclusive", node: models.Leaf(models.ConditionTimeOfDay, "", "08:00-10:30"), expected: false},
		{name: "weekday by name", node: models.Leaf(models.ConditionDayOfWeek, models.OpIn, []interface{}{"Thursday", "fri"}), expected: true},
		{name: "weekday by number", node: models.Leaf(models.ConditionDayOfWeek, models.OpIn, []interface{}{0.0, 6.0}), expected: false},
		{name: "weekday not in", node: models.Leaf(models.ConditionDayOfWeek, models.OpNotIn, []interface{}{"sat", "sun"}), expected: true},

		{name: "expression over subject", node: models.Leaf(models.ConditionExpression, "", `subject.status == "ACTIVE" && "vip" in subject.tags`), subject: testSubject(), expected: true},
		{name: "expression over payload", node: models.Leaf(models.ConditionExpression, "", `payload.amount > 100.0`), payload: map[string]interface{}{"amount": 150.0}, expected: true},
		{name: "expression using now", node: models.Leaf(models.ConditionExpression, "", `now.getFullYear() == 2024`), expected: true},
		{name: "non boolean expression is unmatched", node: models.Leaf(models.ConditionExpression, "", `1 + 1`), expected: false},
		{name: "expression on missing key is unmatched", node: models.Leaf(models.ConditionExpression, "", `payload.missing == 1`), expected: false},
	}

	evaluator := NewEvaluator(time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := testContext(tt.subject)
			ec.Records = records
			if tt.subject == nil {
				ec.SubjectID = ""
			}
			if tt.payload != nil {
				ec.Payload = tt.payload
			}

			require.NoError(t, evaluator.Validate(tt.node))
			res, err := evaluator.Evaluate(ctx, tt.node, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Matched, res.Explanation)
		})
	}
}

func TestTimeConditionsUseEvaluatorZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone database not available")
	}
	evaluator := NewEvaluator(ny)

	// 10:30 UTC is 06:30 in New York in mid March
	res, err := evaluator.Evaluate(context.Background(),
		models.Leaf(models.ConditionTimeOfDay, "", []interface{}{"09:00", "17:00"}), testContext(nil))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Contains(t, res.Explanation, "06:30")
}

func TestStatusEqualsIsComplementOfNeq(t *testing.T) {
	ctx := context.Background()
	evaluator := NewEvaluator(time.UTC)
	statuses := []string{"LEAD", "ACTIVE", "CLOSED", "active", "ON_HOLD"}

	for _, have := range statuses {
		for _, want := range statuses {
			subject := &models.Subject{ID: "s", Status: have}
			eq, err := evaluator.Evaluate(ctx, models.Leaf(models.ConditionStatusEquals, models.OpEq, want), testContext(subject))
			require.NoError(t, err)
			neq, err := evaluator.Evaluate(ctx, models.Leaf(models.ConditionStatusEquals, models.OpNeq, want), testContext(subject))
			require.NoError(t, err)

			assert.Equal(t, have == want, eq.Matched, fmt.Sprintf("%s eq %s", have, want))
			assert.NotEqual(t, eq.Matched, neq.Matched, fmt.Sprintf("%s eq/neq %s", have, want))
		}
	}
}

func TestHasTagMatchesMembership(t *testing.T) {
	ctx := context.Background()
	evaluator := NewEvaluator(time.UTC)
	tagSets := [][]string{{}, {"vip"}, {"vip", "referral"}, {"a", "b", "c"}}
	candidates := []string{"vip", "referral", "a", "z"}

	for _, tags := range tagSets {
		subject := &models.Subject{ID: "s", Tags: tags}
		for _, tag := range candidates {
			res, err := evaluator.Evaluate(ctx, models.Leaf(models.ConditionHasTag, "", tag), testContext(subject))
			require.NoError(t, err)
			assert.Equal(t, subject.HasTag(tag), res.Matched, "%v has %s", tags, tag)
		}
	}
}

func TestEvaluateIsReadOnly(t *testing.T) {
	records := newFakeRecords(testSubject())
	records.missing["sub-1"] = []string{"id_proof"}
	evaluator := NewEvaluator(time.UTC)
	ec := testContext(testSubject())
	ec.Records = records

	node := models.And(
		models.Leaf(models.ConditionMissingRequiredDocuments, "", true),
		models.Leaf(models.ConditionDocumentCount, "", 0),
		models.Leaf(models.ConditionHasOverdueTask, "", false),
	)
	_, err := evaluator.Evaluate(context.Background(), node, ec)
	require.NoError(t, err)
	assert.Equal(t, 0, records.writes())
}
