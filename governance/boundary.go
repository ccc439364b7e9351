package governance

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Boundary confines filesystem-scoped operations to a module root.
// Paths are validated lexically; the boundary never touches the filesystem.
type Boundary struct {
	// ModuleRoot is the slash-separated root every request must stay under.
	ModuleRoot string

	// AllowPatterns optionally narrows access further within the root.
	// Patterns use doublestar syntax relative to ModuleRoot. Empty means
	// everything under the root is allowed.
	AllowPatterns []string
}

// NewBoundary creates a boundary rooted at moduleRoot.
func NewBoundary(moduleRoot string, allowPatterns ...string) *Boundary {
	return &Boundary{
		ModuleRoot:    strings.TrimSuffix(moduleRoot, "/"),
		AllowPatterns: allowPatterns,
	}
}

// ValidatePath checks a requested path against the module boundary.
// Rejected outright: absolute paths, any path whose normalized form still
// contains a ".." segment, and any path that does not resolve under the
// module root.
func (b *Boundary) ValidatePath(requested string) (string, error) {
	if b.ModuleRoot == "" {
		return "", NewError(CodeModuleBoundaryEscape, "no module root configured")
	}
	if requested == "" {
		return "", NewError(CodeModuleBoundaryEscape, "empty path")
	}
	if path.IsAbs(requested) || strings.HasPrefix(requested, "\\") {
		return "", NewError(CodeModuleBoundaryEscape, "absolute path %q not allowed", requested)
	}

	cleaned := path.Clean(requested)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", NewError(CodeModuleBoundaryEscape, "path %q escapes module root", requested)
	}

	resolved := path.Clean(b.ModuleRoot + "/" + cleaned)
	if resolved != b.ModuleRoot && !strings.HasPrefix(resolved, b.ModuleRoot+"/") {
		return "", NewError(CodeModuleBoundaryEscape, "path %q resolves outside module root", requested)
	}

	if len(b.AllowPatterns) > 0 {
		rel := strings.TrimPrefix(strings.TrimPrefix(resolved, b.ModuleRoot), "/")
		if rel == "" {
			rel = "."
		}
		matched := false
		for _, pattern := range b.AllowPatterns {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return "", NewError(CodeModuleBoundaryEscape, "invalid allow pattern %q", pattern)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return "", NewError(CodeModuleBoundaryEscape, "path %q not covered by allow patterns", requested)
		}
	}

	return resolved, nil
}
