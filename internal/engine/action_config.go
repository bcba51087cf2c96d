package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

func requireConfig(config models.JSONB, keys ...string) error {
	var missing []string
	for _, k := range keys {
		v, ok := config[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func configString(config models.JSONB, key, def string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return def
}

func configInt(config models.JSONB, key string, def int) int {
	if f, ok := toFloat64(config[key]); ok {
		return int(f)
	}
	return def
}

func configFloat(config models.JSONB, key string) (float64, bool) {
	return toFloat64(config[key])
}

func configBool(config models.JSONB, key string, def bool) bool {
	if b, ok := config[key].(bool); ok {
		return b
	}
	return def
}

// configStrings accepts a list or a single comma separated string
func configStrings(config models.JSONB, key string) []string {
	var out []string
	switch v := config[key].(type) {
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

func configMap(config models.JSONB, key string) map[string]interface{} {
	if m, ok := config[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// configActions decodes a nested action list such as the then/else arms of a branch
func configActions(config models.JSONB, key string) (models.ActionList, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var list models.ActionList
	if err := remarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%s must be an action list: %w", key, err)
	}
	for i, a := range list {
		if a.Type == "" {
			return nil, fmt.Errorf("%s[%d] has no type", key, i)
		}
	}
	return list, nil
}

func configCondition(config models.JSONB, key string) (*models.ConditionNode, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing required config: %s", key)
	}
	var node models.ConditionNode
	if err := remarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%s must be a condition node: %w", key, err)
	}
	return &node, nil
}

// configDelay reads delay_seconds, delay_minutes, delay_hours and delay_days and sums them
func configDelay(config models.JSONB) time.Duration {
	var d time.Duration
	units := []struct {
		key  string
		unit time.Duration
	}{
		{"delay_seconds", time.Second},
		{"delay_minutes", time.Minute},
		{"delay_hours", time.Hour},
		{"delay_days", 24 * time.Hour},
	}
	for _, u := range units {
		if f, ok := configFloat(config, u.key); ok && f > 0 {
			d += time.Duration(f * float64(u.unit))
		}
	}
	return d
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func remarshal(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
