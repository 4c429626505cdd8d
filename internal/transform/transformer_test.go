// ABOUTME: Tests for the message transformer
// ABOUTME: Covers path resolution, each converter, truncation and enrichment bounds

package transform

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/message"
)

func newMsg(content string, f message.Format) *message.Message {
	m := message.New("sender", content)
	m.Format = f
	return m
}

func TestPath_StructuredReachesText(t *testing.T) {
	path, err := Path(message.FormatStructured, message.FormatText)
	require.NoError(t, err)
	assert.Equal(t, []message.Format{
		message.FormatStructured, message.FormatJSON, message.FormatMarkdown, message.FormatText,
	}, path)
}

func TestPath_EveryFormatReachesText(t *testing.T) {
	for _, f := range message.Formats {
		_, err := Path(f, message.FormatText)
		assert.NoError(t, err, "format %s", f)
	}
}

func TestPath_HTMLMarkdownDirect(t *testing.T) {
	path, err := Path(message.FormatHTML, message.FormatMarkdown)
	require.NoError(t, err)
	assert.Len(t, path, 2)

	path, err = Path(message.FormatMarkdown, message.FormatHTML)
	require.NoError(t, err)
	assert.Len(t, path, 2)
}

func TestTransform_Unsupported(t *testing.T) {
	tr := New(Config{})
	m := newMsg("plain", message.FormatText)

	_, err := tr.Transform(m, message.FormatJSON)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedTransformation)

	var uerr *UnsupportedTransformationError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, m.ID, uerr.MessageID)
	assert.Equal(t, message.FormatText, uerr.From)
	assert.Equal(t, message.FormatJSON, uerr.To)

	_, err = tr.Transform(newMsg("{}", message.FormatJSON), message.FormatStructured)
	assert.ErrorIs(t, err, ErrUnsupportedTransformation)
}

func TestTransform_StructuredToText(t *testing.T) {
	tr := New(Config{})
	m := newMsg(`{"type":"weather","data":{"city":"Oslo","temp":4}}`, message.FormatStructured)

	out, err := tr.Transform(m, message.FormatText)
	require.NoError(t, err)

	assert.Equal(t, message.FormatText, out.Format)
	assert.Contains(t, out.Content, "city: Oslo")
	assert.Contains(t, out.Content, "temp: 4")
	assert.NotContains(t, out.Content, "**")
	assert.NotContains(t, out.Content, "{")
	assert.Equal(t, false, out.Metadata[message.MetaTruncated])
	assert.Equal(t, "weather", out.Metadata[message.MetaStructuredType])
	assert.Equal(t, "structured", out.Metadata[message.MetaSourceFormat])

	// Original untouched.
	assert.Equal(t, message.FormatStructured, m.Format)
	assert.NotContains(t, m.Metadata, message.MetaTruncated)
}

func TestTransform_StructuredWithoutEnvelope(t *testing.T) {
	out, err := New(Config{}).Transform(newMsg(`[1,2]`, message.FormatStructured), message.FormatJSON)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, out.Content)
	assert.NotContains(t, out.Metadata, message.MetaStructuredType)
}

func TestTransform_JSONToMarkdown(t *testing.T) {
	out, err := New(Config{}).Transform(newMsg(`{"name":"relay","tags":["a","b"],"owner":{"id":7},"empty":{}}`, message.FormatJSON), message.FormatMarkdown)
	require.NoError(t, err)

	want := strings.Join([]string{
		"- **name**: relay",
		"- **tags**:",
		"  - a",
		"  - b",
		"- **owner**:",
		"  - **id**: 7",
		"- **empty**:",
		"  - (empty)",
	}, "\n")
	assert.Equal(t, want, out.Content)
}

func TestTransform_MalformedJSON(t *testing.T) {
	_, err := New(Config{}).Transform(newMsg("not json", message.FormatJSON), message.FormatText)
	assert.ErrorIs(t, err, ErrMalformedContent)
}

func TestTransform_MarkdownToHTML(t *testing.T) {
	out, err := New(Config{}).Transform(newMsg("# Hi\n\nsome *text*", message.FormatMarkdown), message.FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hi</h1>\n<p>some <em>text</em></p>", out.Content)
}

func TestTransform_MarkdownToText(t *testing.T) {
	src := "# Title\n\nHello **world**, see <https://example.com>.\n\n- one\n- two\n\n```\ncode here\n```"
	out, err := New(Config{}).Transform(newMsg(src, message.FormatMarkdown), message.FormatText)
	require.NoError(t, err)

	assert.Contains(t, out.Content, "Title")
	assert.Contains(t, out.Content, "Hello world, see https://example.com.")
	assert.Contains(t, out.Content, "- one")
	assert.Contains(t, out.Content, "code here")
	assert.NotContains(t, out.Content, "#")
	assert.NotContains(t, out.Content, "**")
}

func TestTransform_HTMLToText(t *testing.T) {
	out, err := New(Config{}).Transform(newMsg("<h1>Title</h1><p>Hello <b>world</b></p><script>x()</script>", message.FormatHTML), message.FormatText)
	require.NoError(t, err)
	assert.Equal(t, "Title\n\nHello world", out.Content)
}

func TestTransform_HTMLToMarkdown(t *testing.T) {
	src := `<p>Hello <strong>bold</strong> <a href="https://x.io">link</a></p><ul><li>one</li><li>two</li></ul>`
	out, err := New(Config{}).Transform(newMsg(src, message.FormatHTML), message.FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "Hello **bold** [link](https://x.io)\n\n- one\n- two", out.Content)
}

func TestTransform_TextIsSink(t *testing.T) {
	for _, f := range []message.Format{message.FormatMarkdown, message.FormatHTML, message.FormatJSON, message.FormatStructured} {
		_, err := New(Config{}).Transform(newMsg("a*b*c", message.FormatText), f)
		assert.ErrorIs(t, err, ErrUnsupportedTransformation, "text -> %s", f)
	}
}

func TestTransform_Identity(t *testing.T) {
	out, err := New(Config{}).Transform(newMsg("same", message.FormatText), message.FormatText)
	require.NoError(t, err)
	assert.Equal(t, "same", out.Content)
	assert.Equal(t, false, out.Metadata[message.MetaTruncated])
	assert.NotContains(t, out.Metadata, message.MetaSourceFormat)
}

func TestTransform_TruncatesOnRuneBoundary(t *testing.T) {
	tr := New(Config{MaxContentBytes: 10})
	out, err := tr.Transform(newMsg("héllo wörld and more", message.FormatText), message.FormatText)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(out.Content), 10)
	assert.True(t, utf8.ValidString(out.Content))
	assert.True(t, strings.HasPrefix("héllo wörld and more", out.Content))
	assert.Equal(t, true, out.Metadata[message.MetaTruncated])
}

func TestTransform_RoundTripJSONToText(t *testing.T) {
	tr := New(Config{})
	inputs := []string{`{"a":[1,2,{"b":"c"}]}`, `[]`, `"just a string"`, `{"x":null,"y":true}`}
	for _, in := range inputs {
		asJSON, err := tr.Transform(newMsg(in, message.FormatJSON), message.FormatJSON)
		require.NoError(t, err)
		asText, err := tr.Transform(asJSON, message.FormatText)
		require.NoError(t, err, in)
		assert.NotEmpty(t, asText.Content, in)
		assert.Equal(t, false, asText.Metadata[message.MetaTruncated], in)
	}
}

func TestTransform_ConcurrentUse(t *testing.T) {
	tr := New(Config{})
	m := newMsg(`{"type":"t","data":{"k":"v"}}`, message.FormatStructured)

	var wg sync.WaitGroup
	for _, f := range []message.Format{message.FormatText, message.FormatHTML, message.FormatMarkdown, message.FormatJSON} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(f message.Format) {
				defer wg.Done()
				out, err := tr.Transform(m, f)
				assert.NoError(t, err)
				assert.Equal(t, f, out.Format)
			}(f)
		}
	}
	wg.Wait()
	assert.Equal(t, message.FormatStructured, m.Format)
}

func TestEnrich_UnknownKind(t *testing.T) {
	_, err := New(Config{}).Enrich(newMsg("x", message.FormatText), EnrichmentSpec{Kinds: []Kind{"secrets"}})
	assert.ErrorIs(t, err, ErrUnknownEnrichment)
}

func TestEnrich_AttachesRequestedKindsOnly(t *testing.T) {
	tr := New(Config{HistoryExcerpt: 2})
	m := newMsg("current", message.FormatText)

	var history []*message.Message
	for i := 1; i <= 4; i++ {
		h := newMsg(fmt.Sprintf("earlier %d", i), message.FormatText)
		h.Sequence = uint64(i)
		history = append(history, h)
	}

	out, err := tr.Enrich(m, EnrichmentSpec{
		Kinds:   []Kind{KindHistory, KindCapabilities},
		History: history,
		Capabilities: []capability.AgentCapability{
			{CapabilityID: "translate", Level: capability.LevelExpert, Proficiency: 90, Enabled: true},
			{CapabilityID: "disabled", Level: capability.LevelBasic, Enabled: false},
		},
		Knowledge: map[string]string{"ignored": "not requested"},
	})
	require.NoError(t, err)

	assert.Equal(t, "current", out.Content)
	e, ok := out.Metadata[message.MetaEnrichment].(*Enrichment)
	require.True(t, ok)
	require.Len(t, e.History, 2)
	assert.Equal(t, uint64(3), e.History[0].Sequence)
	assert.Equal(t, uint64(4), e.History[1].Sequence)
	require.Len(t, e.Capabilities, 1)
	assert.Equal(t, "expert", e.Capabilities[0].Level)
	assert.Nil(t, e.Knowledge)
	assert.NotContains(t, out.Metadata, message.MetaTruncated)
	assert.NotContains(t, m.Metadata, message.MetaEnrichment)
}

func TestEnrich_BoundedAndFlagged(t *testing.T) {
	tr := New(Config{MaxEnrichmentBytes: 100, HistoryExcerpt: 10})
	m := newMsg("current", message.FormatText)

	var history []*message.Message
	for i := 0; i < 10; i++ {
		history = append(history, newMsg(strings.Repeat("x", 40), message.FormatText))
	}

	out, err := tr.Enrich(m, EnrichmentSpec{Kinds: []Kind{KindHistory, KindKnowledge}, History: history, Knowledge: map[string]string{"a": "b"}})
	require.NoError(t, err)

	e := out.Metadata[message.MetaEnrichment].(*Enrichment)
	assert.LessOrEqual(t, e.size(), 100)
	assert.Less(t, len(e.History), 10)
	assert.Equal(t, true, out.Metadata[message.MetaTruncated])
	assert.Equal(t, true, out.Metadata[message.MetaEnrichmentTrunc])

	// A later transform keeps the flag.
	again, err := tr.Transform(out, message.FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, true, again.Metadata[message.MetaTruncated])
}
