package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitDocument(t *testing.T) {
	front, body, err := splitDocument([]byte("---\ntitle: Standup\n---\nNotes here\n"))
	require.NoError(t, err)
	assert.Equal(t, "title: Standup\n", string(front))
	assert.Equal(t, "Notes here\n", string(body))
}

func TestSplitDocumentWithoutFrontmatter(t *testing.T) {
	raw := []byte("Just a note\n")
	front, body, err := splitDocument(raw)
	require.NoError(t, err)
	assert.Nil(t, front)
	assert.Equal(t, raw, body)
}

func TestSplitDocumentMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unclosed block", "---\ntitle: Standup\nNotes here\n"},
		{"duplicate block", "---\ntitle: Standup\n---\n---\ntitle: Standup\n---\nNotes\n"},
		{"duplicate block after blank line", "---\na: 1\n---\n\n---\nb: 2\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := splitDocument([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformedMetadata)
		})
	}
}

func TestCheckMetadata(t *testing.T) {
	assert.NoError(t, CheckMetadata([]byte("---\ntitle: ok\n---\nbody\n")))
	assert.NoError(t, CheckMetadata([]byte("no frontmatter at all\n")))
	assert.ErrorIs(t, CheckMetadata([]byte("---\na: 1\n---\n---\nb: 2\n---\n")), ErrMalformedMetadata)
	assert.ErrorIs(t, CheckMetadata([]byte("---\n\t: not yaml [\n---\nbody\n")), ErrMalformedMetadata)
}

func TestFieldsCaseInsensitiveLookup(t *testing.T) {
	fields, err := parseFields([]byte("Event_ID: abc\ntitle: Standup\n"))
	require.NoError(t, err)

	v, ok := fields.Get("event_id")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	v, ok = fields.Get("TITLE")
	require.True(t, ok)
	assert.Equal(t, "Standup", v)

	_, ok = fields.Get("missing")
	assert.False(t, ok)
}

func TestFieldsSetPreservesCasingAndOrder(t *testing.T) {
	fields, err := parseFields([]byte("Event_ID: abc\ntitle: Standup\nlocation: Room 4\n"))
	require.NoError(t, err)

	// Updating under a different casing must keep the first-seen key.
	fields.Set("event_id", "xyz")
	fields.Set("new_key", "v")

	out, err := fields.render()
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "Event_ID: xyz")
	assert.NotContains(t, text, "event_id:")
	// Appended keys land last; existing order is untouched.
	assert.Regexp(t, `(?s)Event_ID.*title.*location.*new_key`, text)
}

func TestFieldsDelete(t *testing.T) {
	fields, err := parseFields([]byte("a: 1\nb: 2\nc: 3\n"))
	require.NoError(t, err)

	fields.Delete("B")
	assert.False(t, fields.Has("b"))
	assert.Equal(t, 2, fields.Len())
}

func TestFieldsTypedAccessors(t *testing.T) {
	fields := NewFields()
	fields.SetInt("misses", 2)
	fields.SetBool("archived", true)
	fields.Set("when", "2026-09-02T10:00:00Z")

	assert.Equal(t, 2, fields.GetInt("misses"))
	assert.True(t, fields.GetBool("archived"))
	assert.Equal(t, "2026-09-02T10:00:00Z", fields.GetString("when"))
	assert.Equal(t, 0, fields.GetInt("absent"))
	assert.False(t, fields.GetBool("absent"))
}

func TestRenderDocumentRoundTrip(t *testing.T) {
	raw := []byte("---\ntitle: Standup\nstart: \"2026-09-01T09:15:00-04:00\"\n---\nBody text\n")
	front, body, err := splitDocument(raw)
	require.NoError(t, err)
	fields, err := parseFields(front)
	require.NoError(t, err)

	out, err := renderDocument(fields, body)
	require.NoError(t, err)

	// The round-tripped document must still parse and keep its values
	// verbatim.
	front2, body2, err := splitDocument(out)
	require.NoError(t, err)
	fields2, err := parseFields(front2)
	require.NoError(t, err)
	assert.Equal(t, "Standup", fields2.GetString("title"))
	assert.Equal(t, "2026-09-01T09:15:00-04:00", fields2.GetString("start"))
	assert.Equal(t, string(body), string(body2))
}
