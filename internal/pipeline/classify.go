package pipeline

import (
	"path/filepath"
	"regexp"
	"strings"

	"vergecore/internal/shared/types"
)

var (
	jsHintPattern   = regexp.MustCompile(`(?m)\bfunction\s+\w+\s*\(|=>|\bmodule\.exports\b|\bexports\.main\b`)
	yamlHintPattern = regexp.MustCompile(`(?m)^\s*[\w.-]+\s*:`)
)

// ClassifyPartial decides whether a partial file is a script or a merge
// profile. The extension wins; content heuristics break ties; when still
// ambiguous YAML is the safe default.
func ClassifyPartial(path string, data []byte) types.ProfileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js":
		return types.KindScript
	case ".yaml", ".yml":
		return types.KindMerge
	}

	js := jsHintPattern.Match(data)
	yml := yamlHintPattern.Match(data)
	if js && !yml {
		return types.KindScript
	}
	return types.KindMerge
}
