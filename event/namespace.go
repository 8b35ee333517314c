package event

import (
	"strings"

	"github.com/flowbroker/flowbroker/cmn/cos"
)

// ValidateNamespace rejects newline characters per spec §3
// ("Newline-free UTF-8 string").
func ValidateNamespace(ns string) error {
	if strings.ContainsAny(ns, "\n\r") {
		return cos.NewValidationError(cos.ErrKindInvalidNamespaceGlob,
			"namespace must not contain newlines: %q", ns)
	}
	return nil
}

// MatchGlob implements spec §4.F's namespace globbing: segments
// separated by '/'; '*' matches exactly one non-empty segment; '**'
// matches zero or more segments; any other segment matches literally.
func MatchGlob(pattern, namespace string) bool {
	pSegs := splitSegments(pattern)
	nSegs := splitSegments(namespace)
	return matchSegments(pSegs, nSegs)
}

func splitSegments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, ns []string) bool {
	if len(pat) == 0 {
		return len(ns) == 0
	}
	head := pat[0]
	if head == "**" {
		if matchSegments(pat[1:], ns) {
			return true
		}
		for i := 1; i <= len(ns); i++ {
			if matchSegments(pat[1:], ns[i:]) {
				return true
			}
		}
		return false
	}
	if len(ns) == 0 {
		return false
	}
	if head == "*" || head == ns[0] {
		return matchSegments(pat[1:], ns[1:])
	}
	return false
}

// ValidateGlob rejects an empty pattern outright; any segmented pattern
// built from literals, '*', and '**' is otherwise well-formed. This is
// deliberately permissive — the spec does not enumerate a stricter glob
// grammar, and `original_source` shows the reference implementation
// treats any namespace string as a structurally valid consume pattern.
func ValidateGlob(pattern string) error {
	if pattern == "" {
		return cos.NewValidationError(cos.ErrKindInvalidNamespaceGlob, "empty namespace glob")
	}
	if err := ValidateNamespace(pattern); err != nil {
		return err
	}
	return nil
}
