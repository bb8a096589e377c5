package returnn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serialize emits the config as a self-contained rnn.py program: prolog,
// sorted literal assignments, a JSON fallback container for values without
// a literal form, and the epilog. The emitted text re-creates the runtime
// configuration when executed by the toolkit.
func (c *Config) Serialize() (string, error) {
	merged := cloneMap(c.Config)
	for k, v := range c.PostConfig {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys)+2)
	unreadable := map[string]any{}
	for _, k := range keys {
		repr, ok := pyRepr(merged[k])
		if ok {
			lines = append(lines, fmt.Sprintf("%s = %s", k, repr))
		} else {
			unreadable[k] = merged[k]
		}
	}

	if len(unreadable) > 0 {
		raw, err := json.Marshal(unreadable)
		if err != nil {
			return "", fmt.Errorf("serialize config: no literal or JSON form: %w", err)
		}
		escaped := strings.ReplaceAll(string(raw), `"`, `\"`)
		lines = append(lines, "import json")
		lines = append(lines, fmt.Sprintf(`config = json.loads("%s")`, escaped))
	} else {
		lines = append(lines, "config = {}")
	}

	prolog, err := renderCode(c.Prolog)
	if err != nil {
		return "", err
	}
	epilog, err := renderCode(c.Epilog)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("#!rnn.py\n\n")
	sb.WriteString(prolog)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n\nlocals().update(**config)\n\n")
	sb.WriteString(epilog)
	sb.WriteString("\n")
	return sb.String(), nil
}

// pyRepr renders v as a Python literal. ok is false for values without a
// literal form; those route through the JSON fallback container.
func pyRepr(v any) (string, bool) {
	switch vv := v.(type) {
	case nil:
		return "None", true
	case bool:
		if vv {
			return "True", true
		}
		return "False", true
	case int:
		return strconv.Itoa(vv), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", vv), true
	case float32:
		return pyFloat(float64(vv)), true
	case float64:
		return pyFloat(vv), true
	case string:
		return pyStr(vv), true
	case CodeWrapper:
		return vv.Code, true
	case []any:
		parts := make([]string, len(vv))
		for i, item := range vv {
			repr, ok := pyRepr(item)
			if !ok {
				return "", false
			}
			parts[i] = repr
		}
		return "[" + strings.Join(parts, ", ") + "]", true
	case []string:
		parts := make([]string, len(vv))
		for i, item := range vv {
			parts[i] = pyStr(item)
		}
		return "[" + strings.Join(parts, ", ") + "]", true
	case []int:
		parts := make([]string, len(vv))
		for i, item := range vv {
			parts[i] = strconv.Itoa(item)
		}
		return "[" + strings.Join(parts, ", ") + "]", true
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			repr, ok := pyRepr(vv[k])
			if !ok {
				return "", false
			}
			parts[i] = pyStr(k) + ": " + repr
		}
		return "{" + strings.Join(parts, ", ") + "}", true
	default:
		return "", false
	}
}

// pyFloat keeps a decimal point so the runtime sees a float, not an int.
func pyFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func pyStr(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}
