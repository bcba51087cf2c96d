package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/davidmoltin/record-automation/internal/engine"
)

// recordsPrefix names values computed from the record store on demand
const recordsPrefix = "records."

// PlaceholderService resolves ${path} tokens in message bodies. On top of the
// plain substitution it understands |filters and computed records.* values.
type PlaceholderService struct {
	records engine.RecordReader
	loc     *time.Location
}

// NewPlaceholderService creates a resolver. records may be nil, in which case
// records.* tokens stay unresolved.
func NewPlaceholderService(records engine.RecordReader, loc *time.Location) *PlaceholderService {
	if loc == nil {
		loc = time.UTC
	}
	return &PlaceholderService{records: records, loc: loc}
}

// Resolve implements engine.PlaceholderResolver
func (s *PlaceholderService) Resolve(ctx context.Context, tmpl string, data map[string]interface{}) (string, error) {
	if !engine.HasTokens(tmpl) {
		return tmpl, nil
	}

	computed, err := s.computeRecords(ctx, tmpl, data)
	if err != nil {
		return "", err
	}

	var filterErr error
	out := engine.ReplaceTokens(tmpl, func(path string, filters []string) string {
		var (
			val interface{}
			ok  bool
		)
		if strings.HasPrefix(path, recordsPrefix) {
			val, ok = computed[strings.TrimPrefix(path, recordsPrefix)]
		} else {
			val, ok = engine.LookupPath(data, path)
		}
		if !ok {
			return engine.UnresolvedMarker(path)
		}

		text := engine.FormatValue(val)
		for _, f := range filters {
			var ferr error
			text, ferr = s.applyFilter(f, text, val)
			if ferr != nil && filterErr == nil {
				filterErr = ferr
			}
		}
		return text
	})
	if filterErr != nil {
		return "", filterErr
	}
	return out, nil
}

// computeRecords loads only the records.* values tmpl references
func (s *PlaceholderService) computeRecords(ctx context.Context, tmpl string, data map[string]interface{}) (map[string]interface{}, error) {
	var wanted []string
	engine.ReplaceTokens(tmpl, func(path string, _ []string) string {
		if strings.HasPrefix(path, recordsPrefix) {
			wanted = append(wanted, strings.TrimPrefix(path, recordsPrefix))
		}
		return ""
	})
	computed := map[string]interface{}{}
	if len(wanted) == 0 || s.records == nil {
		return computed, nil
	}

	subjectID, _ := engine.LookupPath(data, "subject.id")
	id, _ := subjectID.(string)
	if id == "" {
		return computed, nil
	}
	now := time.Now()
	if v, ok := data["now"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			now = t
		}
	}

	for _, name := range wanted {
		if _, done := computed[name]; done {
			continue
		}
		var (
			val interface{}
			err error
		)
		switch name {
		case "missing_documents":
			var missing []string
			missing, err = s.records.MissingRequiredDocuments(ctx, id)
			val = strings.Join(missing, ", ")
		case "document_count":
			val, err = s.records.CountDocuments(ctx, id, "")
		case "task_count":
			val, err = s.records.CountTasks(ctx, id, "")
		case "open_tasks":
			val, err = s.records.CountTasks(ctx, id, "open")
		case "overdue_tasks":
			val, err = s.records.CountOverdueTasks(ctx, id, now)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to compute %s%s: %w", recordsPrefix, name, err)
		}
		computed[name] = val
	}
	return computed, nil
}

func (s *PlaceholderService) applyFilter(name, text string, raw interface{}) (string, error) {
	switch name {
	case "upper":
		return strings.ToUpper(text), nil
	case "lower":
		return strings.ToLower(text), nil
	case "title":
		return titleCase(text), nil
	case "trim":
		return strings.TrimSpace(text), nil
	case "date", "datetime":
		t, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return text, nil
		}
		if name == "date" {
			return t.In(s.loc).Format("January 2, 2006"), nil
		}
		return t.In(s.loc).Format("January 2, 2006 15:04 MST"), nil
	case "money":
		switch v := raw.(type) {
		case float64:
			return fmt.Sprintf("%.2f", v), nil
		case int:
			return fmt.Sprintf("%d.00", v), nil
		}
		return text, nil
	}
	return "", fmt.Errorf("unknown placeholder filter %q", name)
}

func titleCase(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if i == 0 || unicode.IsSpace(runes[i-1]) || runes[i-1] == '-' {
			runes[i] = unicode.ToUpper(r)
		}
	}
	return string(runes)
}
