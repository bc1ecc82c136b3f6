package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContent(t *testing.T) {
	data := []byte(`{
		"formatVersion": 2,
		"fileType": "pdf",
		"coverPageNumber": -1,
		"tags": [{"name": "work", "timestamp": 1700000000}],
		"cPages": {
			"pages": [
				{"id": "p2", "idx": {"timestamp": "1:2", "value": "bb"}},
				{"id": "p1", "idx": {"timestamp": "1:2", "value": "ba"}, "redir": {"timestamp": "1:2", "value": 0}}
			],
			"original": {"timestamp": "1:1", "value": -1},
			"lastOpened": {"timestamp": "1:2", "value": "p1"}
		}
	}`)

	c, err := ParseContent(data)

	require.NoError(t, err)
	assert.Equal(t, "pdf", c.FileType)
	require.Len(t, c.Tags, 1)
	assert.Equal(t, "work", c.Tags[0].Name)
	// ページは順序キーでソートされている
	require.Equal(t, 2, c.PageCount())
	assert.Equal(t, "p1", c.CPages.Pages[0].ID)
	assert.Equal(t, "p2", c.CPages.Pages[1].ID)
	require.NotNil(t, c.CPages.Pages[0].Redirect)
	assert.Equal(t, 0, c.CPages.Pages[0].Redirect.Value)
}

func TestParseContent_RejectsVersion1(t *testing.T) {
	_, err := ParseContent([]byte(`{"formatVersion": 1, "fileType": "notebook", "pages": ["p1"]}`))

	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestContent_SerializeRejectsVersion1(t *testing.T) {
	c := NewContent(FileTypeNotebook)
	c.FormatVersion = 1

	_, err := c.Serialize()

	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestContent_PreservesUnknownFields(t *testing.T) {
	data := []byte(`{
		"formatVersion": 2,
		"fileType": "notebook",
		"coverPageNumber": 0,
		"tags": [],
		"cPages": {
			"pages": [{"id": "p1", "idx": {"timestamp": "1:2", "value": "ba"}, "strokeCount": 42}],
			"original": {"timestamp": "1:1", "value": -1},
			"lastOpened": {"timestamp": "1:1", "value": ""}
		},
		"customZoomScale": 1.5
	}`)

	c, err := ParseContent(data)
	require.NoError(t, err)

	out, err := c.Serialize()
	require.NoError(t, err)

	var round map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &round))
	assert.JSONEq(t, "1.5", string(round["customZoomScale"]))

	parsed, err := ParseContent(out)
	require.NoError(t, err)
	require.Len(t, parsed.CPages.Pages, 1)
	assert.Contains(t, parsed.CPages.Pages[0].Extra, "strokeCount")
}

func TestPage_TemplateOmittedWhenUnset(t *testing.T) {
	bare := Page{ID: "p1", Index: TimestampedString{Timestamp: "1:2", Value: "ba"}}
	data, err := json.Marshal(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"template"`)

	templated := Page{
		ID:       "p2",
		Index:    TimestampedString{Timestamp: "1:2", Value: "bb"},
		Template: &TimestampedString{Timestamp: "1:2", Value: "Blank"},
	}
	data, err = json.Marshal(templated)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"template"`)

	var parsed Page
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.NotNil(t, parsed.Template)
	assert.Equal(t, "Blank", parsed.Template.Value)
}

func TestContent_SortPagesTieBreak(t *testing.T) {
	c := NewContent(FileTypeNotebook)
	c.CPages.Pages = []Page{
		{ID: "later", Index: TimestampedString{Timestamp: "1:3", Value: "ba"}},
		{ID: "earlier", Index: TimestampedString{Timestamp: "1:2", Value: "ba"}},
	}

	c.SortPages()

	assert.Equal(t, "earlier", c.CPages.Pages[0].ID)
	assert.Equal(t, "later", c.CPages.Pages[1].ID)
}

func TestNewContent(t *testing.T) {
	c := NewContent(FileTypePDF)

	assert.Equal(t, ContentFormatVersion, c.FormatVersion)
	assert.Equal(t, FileTypePDF, c.FileType)
	assert.Equal(t, -1, c.CPages.Original.Value)
	assert.NotNil(t, c.Tags)
	assert.Equal(t, 0, c.PageCount())
}
