package models

import (
	"database/sql/driver"
	"encoding/json"
)

// LogicOperator joins the children of a composite condition
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ConditionType identifies a leaf predicate
type ConditionType string

const (
	ConditionStatusEquals             ConditionType = "status_equals"
	ConditionHasTag                   ConditionType = "has_tag"
	ConditionAgeInDays                ConditionType = "age_in_days"
	ConditionMissingRequiredDocuments ConditionType = "missing_required_documents"
	ConditionDocumentCount            ConditionType = "document_count"
	ConditionTaskCount                ConditionType = "task_count"
	ConditionHasOverdueTask           ConditionType = "has_overdue_task"
	ConditionNumericThreshold         ConditionType = "numeric_threshold"
	ConditionActorRoleEquals          ConditionType = "actor_role_equals"
	ConditionTimeOfDay                ConditionType = "time_of_day"
	ConditionDayOfWeek                ConditionType = "day_of_week"
	ConditionExpression               ConditionType = "expression"
)

// Leaf comparison operators
const (
	OpEq      = "eq"
	OpNeq     = "neq"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpIn      = "in"
	OpNotIn   = "not_in"
	OpBetween = "between"
)

// ConditionNode is either a composite (Logic + Children) or a leaf (Type + Operator + Operand + Field).
// Operand is serialized as "value".
type ConditionNode struct {
	Logic    LogicOperator    `json:"logic,omitempty" yaml:"logic,omitempty"`
	Children []*ConditionNode `json:"children,omitempty" yaml:"children,omitempty"`

	Type     ConditionType `json:"type,omitempty" yaml:"type,omitempty"`
	Operator string        `json:"operator,omitempty" yaml:"operator,omitempty"`
	Operand  interface{}   `json:"value,omitempty" yaml:"value,omitempty"`
	Field    string        `json:"field,omitempty" yaml:"field,omitempty"`
}

// IsComposite reports whether the node joins children instead of testing a predicate
func (n *ConditionNode) IsComposite() bool {
	return n.Logic != ""
}

// And builds a composite AND node
func And(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Logic: LogicAnd, Children: children}
}

// Or builds a composite OR node
func Or(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Logic: LogicOr, Children: children}
}

// Leaf builds a leaf node
func Leaf(t ConditionType, operator string, value interface{}) *ConditionNode {
	return &ConditionNode{Type: t, Operator: operator, Operand: value}
}

// Scan implements sql.Scanner for the conditions JSONB column
func (n *ConditionNode) Scan(value interface{}) error {
	return scanJSON(value, n)
}

// Value implements driver.Valuer for the conditions JSONB column
func (n *ConditionNode) Value() (driver.Value, error) {
	if n == nil {
		return nil, nil
	}
	return json.Marshal(n)
}
