package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja/parser"
	"gopkg.in/yaml.v3"
)

// fatalMarkers are scanned in the engine's validation output. mihomo exits
// zero for some config errors and only reports them on stderr.
var fatalMarkers = []string{"FATA", "fatal", "Parse config error", "level=fatal"}

// validateTimeout bounds the engine subprocess.
const validateTimeout = 30 * time.Second

// ValidateCandidate runs `engine -t -d <app-dir> -f <candidate>` and checks
// both the exit status and the combined output for fatal markers.
func ValidateCandidate(ctx context.Context, enginePath, homeDir, candidate string) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, enginePath, "-t", "-d", homeDir, "-f", candidate)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("validator exited with error: %v: %s", err, firstLines(out, 5))
	}
	text := string(out)
	for _, marker := range fatalMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("validator output contains %q: %s", marker, firstLines(out, 5))
		}
	}
	return nil
}

// ValidateMerge requires YAML well-formedness only.
func ValidateMerge(data []byte) error {
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("merge partial is not valid YAML: %w", err)
	}
	return nil
}

var mainEntryPattern = regexp.MustCompile(`(?m)\bfunction\s+main\s*\(|\b(?:var|let|const)\s+main\s*=|exports\.main\s*=`)

// ValidateScript parses the source as JavaScript (syntax only, no runtime)
// and requires a `main` entry point.
func ValidateScript(src []byte) error {
	if _, err := parser.ParseFile(nil, "profile.js", string(src), 0); err != nil {
		return fmt.Errorf("script syntax error: %w", err)
	}
	if !mainEntryPattern.Match(src) {
		return fmt.Errorf("script does not define a main entry point")
	}
	return nil
}

// ValidatePartial dispatches on the partial's kind.
func ValidatePartial(kind string, data []byte) error {
	if kind == "script" {
		return ValidateScript(data)
	}
	return ValidateMerge(data)
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " | ")
}
