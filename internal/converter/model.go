package converter

import "strings"

// modelMappings holds the model-name glob rules; matched by substring since
// the only globs in play are "*term*" patterns.
var modelMappings = []struct {
	substr string
	target string
}{
	{"sonnet", "claude-sonnet-4.5"},
	{"opus", "claude-opus-4.5"},
	{"haiku", "claude-haiku-4.5"},
}

// MapModel rewrites a client-supplied model name to the Kiro-side model id
// via the glob rules; a name matching none of them passes through unchanged.
func MapModel(name string) string {
	lower := strings.ToLower(name)
	for _, m := range modelMappings {
		if strings.Contains(lower, m.substr) {
			return m.target
		}
	}
	return name
}
