package llm

import (
	"regexp"
	"strings"
)

var (
	fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	fencedArray  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareObject   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	bareArray    = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of producer output. Markdown fences
// are stripped, // comments and trailing commas removed; models emit all
// three routinely.
func ExtractJSON(content string) string {
	raw := firstMatch(content, fencedObject, bareObject)
	if raw == "" {
		return ""
	}
	return scrub(raw)
}

// ExtractJSONArray is ExtractJSON for a top-level array.
func ExtractJSONArray(content string) string {
	raw := firstMatch(content, fencedArray, bareArray)
	if raw == "" {
		return ""
	}
	return scrub(raw)
}

// firstMatch prefers the fenced form; the bare pattern is a greedy fallback
// for responses that skip the fence.
func firstMatch(content string, fenced, bare *regexp.Regexp) string {
	if m := fenced.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return bare.FindString(content)
}

// scrub strips // comments line by line, then trailing commas.
func scrub(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment, tracking string state so URLs inside
// values survive.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
