package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

var (
	equalityOps   = []string{models.OpEq, models.OpNeq}
	relationalOps = []string{models.OpGte, models.OpEq, models.OpNeq, models.OpGt, models.OpLt, models.OpLte}
	booleanOps    = []string{models.OpEq}
)

func builtinLeaves(loc *time.Location, o evaluatorOptions) []LeafCondition {
	return []LeafCondition{
		statusEquals{},
		hasTag{},
		ageInDays{},
		missingRequiredDocuments{},
		documentCount{},
		taskCount{},
		hasOverdueTask{},
		numericThreshold{},
		actorRoleEquals{},
		timeOfDay{loc: loc},
		dayOfWeek{loc: loc},
		newExpressionCondition(o.expressionCostLimit),
	}
}

// status_equals: case-sensitive comparison against the subject's current status

type statusEquals struct{}

func (statusEquals) Type() models.ConditionType { return models.ConditionStatusEquals }
func (statusEquals) Operators() []string        { return equalityOps }

func (statusEquals) Validate(node *models.ConditionNode) error {
	return requireString(node.Operand, "status")
}

func (statusEquals) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	want, _ := node.Operand.(string)
	status, ok := ec.Status()
	if !ok {
		return unmatched("subject status unknown"), nil
	}
	eq := status == want
	if node.Operator == models.OpNeq {
		eq = !eq
	}
	if eq {
		return matched("status %q %s %q", status, node.Operator, want), nil
	}
	return unmatched("status %q not %s %q", status, node.Operator, want), nil
}

// has_tag: membership in the subject's tag set; a subject without a tag set never matches

type hasTag struct{}

func (hasTag) Type() models.ConditionType { return models.ConditionHasTag }
func (hasTag) Operators() []string        { return equalityOps }

func (hasTag) Validate(node *models.ConditionNode) error {
	return requireString(node.Operand, "tag")
}

func (hasTag) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	tag, _ := node.Operand.(string)
	if ec.Subject == nil || ec.Subject.Tags == nil {
		return unmatched("subject has no tag set"), nil
	}
	present := ec.Subject.HasTag(tag)
	if node.Operator == models.OpNeq {
		if present {
			return unmatched("tag %q is present", tag), nil
		}
		return matched("tag %q is absent", tag), nil
	}
	if present {
		return matched("tag %q is present", tag), nil
	}
	return unmatched("tag %q is absent", tag), nil
}

// age_in_days: whole days since created_at, or since the timestamp named by Field

type ageInDays struct{}

func (ageInDays) Type() models.ConditionType { return models.ConditionAgeInDays }
func (ageInDays) Operators() []string        { return relationalOps }

func (ageInDays) Validate(node *models.ConditionNode) error {
	if err := requireNumber(node.Operand, "days"); err != nil {
		return err
	}
	switch node.Field {
	case "", "created_at", "last_activity_at":
		return nil
	}
	return fmt.Errorf("age_in_days field must be created_at or last_activity_at, got %q", node.Field)
}

func (ageInDays) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	want, _ := toFloat64(node.Operand)
	if ec.Subject == nil {
		return unmatched("subject unknown"), nil
	}

	var since time.Time
	field := node.Field
	switch field {
	case "last_activity_at":
		if ec.Subject.LastActivityAt == nil {
			return unmatched("subject has no recorded activity"), nil
		}
		since = *ec.Subject.LastActivityAt
	default:
		field = "created_at"
		since = ec.Subject.CreatedAt
	}
	if since.IsZero() {
		return unmatched("subject %s unknown", field), nil
	}

	days := float64(int(ec.Now.Sub(since).Hours() / 24))
	return compareResult(fmt.Sprintf("age since %s (%d days)", field, int(days)), days, node.Operator, want), nil
}

// missing_required_documents: matches when required categories are missing (value true, the default)

type missingRequiredDocuments struct{}

func (missingRequiredDocuments) Type() models.ConditionType {
	return models.ConditionMissingRequiredDocuments
}
func (missingRequiredDocuments) Operators() []string { return booleanOps }

func (missingRequiredDocuments) Validate(node *models.ConditionNode) error {
	return optionalBool(node.Operand)
}

func (missingRequiredDocuments) Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if ec.SubjectID == "" || ec.Records == nil {
		return unmatched("no subject to inspect documents for"), nil
	}
	missing, err := ec.Records.MissingRequiredDocuments(ctx, ec.SubjectID)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("failed to list missing documents: %w", err)
	}
	if node.Field != "" {
		scoped := missing[:0:0]
		for _, cat := range missing {
			if cat == node.Field {
				scoped = append(scoped, cat)
			}
		}
		missing = scoped
	}

	want := boolValue(node.Operand, true)
	has := len(missing) > 0
	if has == want {
		if has {
			return matched("missing required documents: %s", strings.Join(missing, ", ")), nil
		}
		return matched("all required documents present"), nil
	}
	if has {
		return unmatched("missing required documents: %s", strings.Join(missing, ", ")), nil
	}
	return unmatched("all required documents present"), nil
}

// document_count: number of documents, optionally scoped to the category in Field

type documentCount struct{}

func (documentCount) Type() models.ConditionType { return models.ConditionDocumentCount }
func (documentCount) Operators() []string        { return relationalOps }

func (documentCount) Validate(node *models.ConditionNode) error {
	return requireNumber(node.Operand, "count")
}

func (documentCount) Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if ec.SubjectID == "" || ec.Records == nil {
		return unmatched("no subject to count documents for"), nil
	}
	n, err := ec.Records.CountDocuments(ctx, ec.SubjectID, node.Field)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("failed to count documents: %w", err)
	}
	want, _ := toFloat64(node.Operand)
	return compareResult(scopedLabel("document count", node.Field), float64(n), node.Operator, want), nil
}

// task_count: number of tasks, optionally scoped to the status in Field

type taskCount struct{}

func (taskCount) Type() models.ConditionType { return models.ConditionTaskCount }
func (taskCount) Operators() []string        { return relationalOps }

func (taskCount) Validate(node *models.ConditionNode) error {
	return requireNumber(node.Operand, "count")
}

func (taskCount) Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if ec.SubjectID == "" || ec.Records == nil {
		return unmatched("no subject to count tasks for"), nil
	}
	n, err := ec.Records.CountTasks(ctx, ec.SubjectID, node.Field)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	want, _ := toFloat64(node.Operand)
	return compareResult(scopedLabel("task count", node.Field), float64(n), node.Operator, want), nil
}

// has_overdue_task: an open task is past its due date at the evaluation instant

type hasOverdueTask struct{}

func (hasOverdueTask) Type() models.ConditionType { return models.ConditionHasOverdueTask }
func (hasOverdueTask) Operators() []string        { return booleanOps }

func (hasOverdueTask) Validate(node *models.ConditionNode) error {
	return optionalBool(node.Operand)
}

func (hasOverdueTask) Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if ec.SubjectID == "" || ec.Records == nil {
		return unmatched("no subject to inspect tasks for"), nil
	}
	n, err := ec.Records.CountOverdueTasks(ctx, ec.SubjectID, ec.Now)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("failed to count overdue tasks: %w", err)
	}
	want := boolValue(node.Operand, true)
	if (n > 0) == want {
		return matched("%d overdue task(s)", n), nil
	}
	return unmatched("%d overdue task(s)", n), nil
}

// numeric_threshold: compares the amount at Field (payload first, then subject attributes)

type numericThreshold struct{}

func (numericThreshold) Type() models.ConditionType { return models.ConditionNumericThreshold }
func (numericThreshold) Operators() []string        { return relationalOps }

func (numericThreshold) Validate(node *models.ConditionNode) error {
	if node.Field == "" {
		return fmt.Errorf("numeric_threshold requires a field")
	}
	return requireNumber(node.Operand, "threshold")
}

func (numericThreshold) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	raw, ok := lookupPath(ec.Payload, node.Field)
	if !ok && ec.Subject != nil {
		raw, ok = lookupPath(ec.Subject.Fields(), node.Field)
	}
	if !ok {
		return unmatched("%s is not set", node.Field), nil
	}
	actual, ok := toFloat64(raw)
	if !ok {
		return unmatched("%s is not numeric", node.Field), nil
	}
	want, _ := toFloat64(node.Operand)
	return compareResult(node.Field, actual, node.Operator, want), nil
}

// actor_role_equals: the role of the user whose action produced the event

type actorRoleEquals struct{}

func (actorRoleEquals) Type() models.ConditionType { return models.ConditionActorRoleEquals }
func (actorRoleEquals) Operators() []string        { return equalityOps }

func (actorRoleEquals) Validate(node *models.ConditionNode) error {
	return requireString(node.Operand, "role")
}

func (actorRoleEquals) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	want, _ := node.Operand.(string)
	if ec.ActorRole == "" {
		return unmatched("actor role unknown"), nil
	}
	eq := ec.ActorRole == want
	if node.Operator == models.OpNeq {
		eq = !eq
	}
	if eq {
		return matched("actor role %q %s %q", ec.ActorRole, node.Operator, want), nil
	}
	return unmatched("actor role %q not %s %q", ec.ActorRole, node.Operator, want), nil
}

// time_of_day: value is ["HH:MM", "HH:MM"], start inclusive, end exclusive, may wrap midnight

type timeOfDay struct {
	loc *time.Location
}

func (timeOfDay) Type() models.ConditionType { return models.ConditionTimeOfDay }
func (timeOfDay) Operators() []string        { return []string{models.OpBetween} }

func (timeOfDay) Validate(node *models.ConditionNode) error {
	_, _, err := parseWindow(node.Operand)
	return err
}

func (t timeOfDay) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	start, end, err := parseWindow(node.Operand)
	if err != nil {
		return EvaluationResult{}, err
	}
	local := ec.Now.In(t.loc)
	minute := local.Hour()*60 + local.Minute()

	var in bool
	if start <= end {
		in = minute >= start && minute < end
	} else {
		in = minute >= start || minute < end
	}

	clock := local.Format("15:04 MST")
	if in {
		return matched("%s is within %s-%s", clock, formatMinute(start), formatMinute(end)), nil
	}
	return unmatched("%s is outside %s-%s", clock, formatMinute(start), formatMinute(end)), nil
}

// day_of_week: value lists weekday names ("mon", "Monday") or numbers (0 = Sunday)

type dayOfWeek struct {
	loc *time.Location
}

func (dayOfWeek) Type() models.ConditionType { return models.ConditionDayOfWeek }
func (dayOfWeek) Operators() []string        { return []string{models.OpIn, models.OpNotIn} }

func (dayOfWeek) Validate(node *models.ConditionNode) error {
	_, err := parseWeekdays(node.Operand)
	return err
}

func (d dayOfWeek) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	days, err := parseWeekdays(node.Operand)
	if err != nil {
		return EvaluationResult{}, err
	}
	today := ec.Now.In(d.loc).Weekday()
	_, in := days[today]
	if node.Operator == models.OpNotIn {
		in = !in
	}
	if in {
		return matched("%s %s configured days", today, node.Operator), nil
	}
	return unmatched("%s not %s configured days", today, node.Operator), nil
}

// helpers

func compareResult(label string, actual float64, op string, want float64) EvaluationResult {
	if compareNumbers(actual, op, want) {
		return matched("%s %s %s %s", label, formatNumber(actual), op, formatNumber(want))
	}
	return unmatched("%s %s not %s %s", label, formatNumber(actual), op, formatNumber(want))
}

func compareNumbers(a float64, op string, b float64) bool {
	switch op {
	case models.OpEq:
		return a == b
	case models.OpNeq:
		return a != b
	case models.OpGt:
		return a > b
	case models.OpGte:
		return a >= b
	case models.OpLt:
		return a < b
	case models.OpLte:
		return a <= b
	}
	return false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func scopedLabel(label, scope string) string {
	if scope == "" {
		return label
	}
	return fmt.Sprintf("%s[%s]", label, scope)
}

func requireString(v interface{}, what string) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return fmt.Errorf("%s value must be a non-empty string", what)
	}
	return nil
}

func requireNumber(v interface{}, what string) error {
	if _, ok := toFloat64(v); !ok {
		return fmt.Errorf("%s value must be a number", what)
	}
	return nil
}

func optionalBool(v interface{}) error {
	if v == nil {
		return nil
	}
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("value must be true or false")
	}
	return nil
}

func boolValue(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// toFloat64 converts JSON numbers, Go numerics and numeric strings
func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// lookupPath resolves a dotted path such as "loan.amount" in nested maps
func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	current := data
	parts := strings.Split(path, ".")
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, val != nil
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func parseWindow(v interface{}) (int, int, error) {
	var parts []string
	switch w := v.(type) {
	case []interface{}:
		for _, p := range w {
			s, ok := p.(string)
			if !ok {
				return 0, 0, fmt.Errorf("time window bounds must be \"HH:MM\" strings")
			}
			parts = append(parts, s)
		}
	case []string:
		parts = w
	case string:
		parts = strings.Split(w, "-")
	default:
		return 0, 0, fmt.Errorf("time window must be [\"HH:MM\", \"HH:MM\"]")
	}
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time window needs exactly a start and an end")
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if start == end {
		return 0, 0, fmt.Errorf("time window start and end are equal")
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekdays(v interface{}) (map[time.Weekday]struct{}, error) {
	var items []interface{}
	switch list := v.(type) {
	case []interface{}:
		items = list
	case []string:
		for _, s := range list {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("day_of_week value must be a list of days")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("day_of_week value must not be empty")
	}

	days := make(map[time.Weekday]struct{}, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			d, known := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
			if !known {
				return nil, fmt.Errorf("unknown weekday %q", s)
			}
			days[d] = struct{}{}
			continue
		}
		n, ok := toFloat64(item)
		if !ok || n < 0 || n > 6 || n != float64(int(n)) {
			return nil, fmt.Errorf("weekday numbers must be 0-6, got %v", item)
		}
		days[time.Weekday(int(n))] = struct{}{}
	}
	return days, nil
}
