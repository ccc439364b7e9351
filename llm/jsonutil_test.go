package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			"bare object",
			`{"packageKey": "vibe.helpdesk"}`,
			`{"packageKey": "vibe.helpdesk"}`,
		},
		{
			"markdown fence",
			"Here is the package:\n```json\n{\"packageKey\": \"vibe.helpdesk\"}\n```\nDone.",
			`{"packageKey": "vibe.helpdesk"}`,
		},
		{
			"fence without language",
			"```\n{\"a\": 1}\n```",
			`{"a": 1}`,
		},
		{
			"prose around object",
			"Sure! {\"a\": 1} Hope that helps.",
			`{"a": 1}`,
		},
		{
			"no json",
			"I cannot produce that.",
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSONCleansArtifacts(t *testing.T) {
	content := "```json\n" + `{
  // the package identifier
  "packageKey": "vibe.helpdesk",
  "recordTypes": [
    {"key": "ticket"},
  ],
}` + "\n```"

	out := ExtractJSON(content)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "vibe.helpdesk", parsed["packageKey"])
}

func TestExtractJSONPreservesURLsInStrings(t *testing.T) {
	content := `{"url": "https://example.com/path"}`
	out := ExtractJSON(content)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "https://example.com/path", parsed["url"])
}

func TestExtractJSONArray(t *testing.T) {
	out := ExtractJSONArray("```json\n[{\"op\": \"add_field\"},]\n```")

	var ops []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "add_field", ops[0]["op"])

	assert.Equal(t, `[1, 2]`, ExtractJSONArray("the list is [1, 2] as requested"))
	assert.Empty(t, ExtractJSONArray("no array here"))
}
