package templatefmt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns helpers available to alert notification templates.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtAge":    FormatAge,
		"fmtFloat":  FormatFloat,
		"condition": FormatCondition,
		"truncate":  Truncate,
		"json":      MarshalJSON,
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
	}
}

// ParseNotificationTemplate parses one subject or body template.
// Params: template name and body.
// Returns: compiled template failing on unknown keys, or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatAge renders alert age as whole units: "45s", "12m30s", "3h5m".
// Params: time.Duration or *time.Duration; other values render as "0s".
// Returns: compact age string, sign dropped.
func FormatAge(value any) string {
	var age time.Duration
	switch typed := value.(type) {
	case time.Duration:
		age = typed
	case *time.Duration:
		if typed != nil {
			age = *typed
		}
	}
	if age < 0 {
		age = -age
	}
	age = age.Truncate(time.Second)
	hours := int64(age / time.Hour)
	minutes := int64(age%time.Hour) / int64(time.Minute)
	seconds := int64(age%time.Minute) / int64(time.Second)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatFloat renders metric value without trailing zeros.
// Params: numeric template value (float64, float32, int, int64).
// Returns: shortest decimal representation or "NaN" for unsupported input.
func FormatFloat(value any) string {
	switch typed := value.(type) {
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return "NaN"
	}
}

// FormatCondition renders rule condition as "cpu_usage > 90".
func FormatCondition(metric, operator string, threshold any) string {
	return strings.TrimSpace(metric + " " + operator + " " + FormatFloat(threshold))
}

// Truncate shortens text to limit runes, marking the cut with "...".
// Params: rune limit and text; limit <= 3 returns text cut without marker.
// Returns: text unchanged when it fits.
func Truncate(limit int, text string) string {
	runes := []rune(text)
	if limit < 0 || len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
