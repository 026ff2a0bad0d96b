package query

import (
	"fmt"
	"regexp"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// parameterPattern matches {{parameter_name}} placeholders in raw SQL.
// Names start with a letter or underscore followed by word characters.
var parameterPattern = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

// ExtractParameters returns the {{param}} names used in raw SQL,
// deduplicated, in order of first appearance.
func ExtractParameters(sqlText string) []string {
	matches := parameterPattern.FindAllStringSubmatch(sqlText, -1)
	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if name := match[1]; !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Named substitutes {{param}} placeholders in raw SQL with dialect
// positional parameters and returns the prepared statement plus ordered
// argument values. A parameter used more than once binds a single
// positional argument. Every placeholder must have a value and every
// value must be used; mismatches are configuration errors.
func Named(sqlText string, params map[string]any, d driver.Dialect) (string, []any, error) {
	names := ExtractParameters(sqlText)

	positions := make(map[string]int, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		value, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("parameter {{%s}} used in SQL but no value supplied", name)
		}
		args = append(args, value)
		positions[name] = len(args)
	}
	for name := range params {
		if _, used := positions[name]; !used {
			return "", nil, fmt.Errorf("parameter %q supplied but not used in SQL", name)
		}
	}

	prepared := parameterPattern.ReplaceAllStringFunc(sqlText, func(match string) string {
		name := parameterPattern.FindStringSubmatch(match)[1]
		return d.Placeholder(positions[name])
	})
	return prepared, args, nil
}
