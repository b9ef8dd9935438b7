package sloc

import (
	"path"
	"strings"
)

// profile holds the extension filter and the pure per-file split function
// for one language. split takes a slash-separated path relative to the
// scan root plus the file contents and returns (production, test) line
// counts, excluding blank lines and comment-only lines.
type profile struct {
	ext   string
	split func(relPath, content string) (prod, test int)
}

var profiles = map[string]profile{
	"java":   {ext: ".java", split: splitJava},
	"go":     {ext: ".go", split: splitGo},
	"python": {ext: ".py", split: splitPython},
	"rust":   {ext: ".rs", split: splitRust},
}

// splitJava classifies a whole file as test when it lives under a test
// directory segment or follows the *Test.java naming convention. Counting
// skips blank lines, // lines and /* */ block comments.
func splitJava(relPath, content string) (int, int) {
	name := path.Base(relPath)
	isTest := hasSegment(relPath, "test") || strings.HasSuffix(name, "Test.java")

	n := 0
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if hasJavaCode(line, &inBlock) {
			n++
		}
	}
	if isTest {
		return 0, n
	}
	return n, 0
}

// hasJavaCode reports whether any code remains on the line after removing
// // and /* */ comments, updating the cross-line block-comment state.
func hasJavaCode(line string, inBlock *bool) bool {
	i := 0
	code := false
	for i < len(line) {
		if *inBlock {
			end := strings.Index(line[i:], "*/")
			if end < 0 {
				return code
			}
			*inBlock = false
			i += end + 2
			continue
		}
		lineIdx := strings.Index(line[i:], "//")
		blockIdx := strings.Index(line[i:], "/*")
		switch {
		case blockIdx >= 0 && (lineIdx < 0 || blockIdx < lineIdx):
			if strings.TrimSpace(line[i:i+blockIdx]) != "" {
				code = true
			}
			*inBlock = true
			i += blockIdx + 2
		case lineIdx >= 0:
			if strings.TrimSpace(line[i:i+lineIdx]) != "" {
				code = true
			}
			return code
		default:
			if strings.TrimSpace(line[i:]) != "" {
				code = true
			}
			return code
		}
	}
	return code
}

// splitGo classifies a whole file as test iff its name ends in _test.go.
func splitGo(relPath, content string) (int, int) {
	isTest := strings.HasSuffix(path.Base(relPath), "_test.go")

	n := 0
	for _, line := range strings.Split(content, "\n") {
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "//") {
			continue
		}
		n++
	}
	if isTest {
		return 0, n
	}
	return n, 0
}

// splitPython classifies a whole file as test when it lives under a
// tests/ directory or follows the test_ prefix convention. Triple-quoted
// docstring blocks are skipped entirely, delimiter lines included.
func splitPython(relPath, content string) (int, int) {
	name := path.Base(relPath)
	isTest := hasSegment(relPath, "tests") || hasSegment(relPath, "test") ||
		strings.HasPrefix(name, "test_")

	n := 0
	inDoc := false
	delim := ""
	for _, line := range strings.Split(content, "\n") {
		trim := strings.TrimSpace(line)
		if inDoc {
			if strings.Contains(trim, delim) {
				inDoc = false
			}
			continue
		}
		if trim == "" || strings.HasPrefix(trim, "#") {
			continue
		}
		if strings.HasPrefix(trim, `"""`) || strings.HasPrefix(trim, "'''") {
			delim = trim[:3]
			// A one-line docstring closes on the same line.
			if !strings.Contains(trim[3:], delim) {
				inDoc = true
			}
			continue
		}
		n++
	}
	if isTest {
		return 0, n
	}
	return n, 0
}

// testModuleMarker starts an inline test module in rust source.
const testModuleMarker = "#[cfg(test)]"

// splitRust splits a single file into production and test lines on the
// inline test-module marker. Production lines are everything before the
// marker; from the marker line on, lines count as test while brace depth
// is tracked, and classification reverts to production once the depth has
// exceeded the base recorded at the marker and falls back to it.
func splitRust(_ string, content string) (int, int) {
	prod, test := 0, 0
	depth := 0
	base := 0
	inTest := false
	entered := false

	for _, line := range strings.Split(content, "\n") {
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "//") {
			continue
		}

		if !inTest && strings.Contains(trim, testModuleMarker) {
			inTest = true
			entered = false
			base = depth
		}

		if inTest {
			test++
		} else {
			prod++
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")

		if inTest {
			if depth > base {
				entered = true
			}
			if entered && depth <= base {
				inTest = false
			}
		}
	}
	return prod, test
}

// hasSegment reports whether the slash-separated path contains the given
// directory segment.
func hasSegment(relPath, segment string) bool {
	dir := path.Dir(relPath)
	for dir != "." && dir != "/" {
		if path.Base(dir) == segment {
			return true
		}
		dir = path.Dir(dir)
	}
	return false
}
