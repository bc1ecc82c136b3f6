package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	data := []byte(`{
		"type": "DocumentType",
		"visibleName": "Quarterly Notes",
		"parent": "folder-1",
		"lastModified": "1700000000000",
		"pinned": true,
		"version": 7
	}`)

	m, err := ParseMetadata(data)

	require.NoError(t, err)
	assert.Equal(t, DocumentType, m.Type)
	assert.Equal(t, "Quarterly Notes", m.VisibleName)
	assert.Equal(t, "folder-1", m.Parent)
	assert.True(t, m.Pinned)
	assert.Equal(t, 7, m.Version)
	assert.False(t, m.IsCollection())
	assert.False(t, m.Trashed())
}

func TestParseMetadata_Invalid(t *testing.T) {
	_, err := ParseMetadata([]byte("{broken"))

	assert.Error(t, err)
}

func TestMetadata_PreservesUnknownFields(t *testing.T) {
	data := []byte(`{
		"type": "DocumentType",
		"visibleName": "doc",
		"parent": "",
		"lastModified": "1700000000000",
		"pinned": false,
		"newFirmwareField": {"nested": [1, 2, 3]}
	}`)

	m, err := ParseMetadata(data)
	require.NoError(t, err)
	require.Contains(t, m.Extra, "newFirmwareField")

	out, err := m.Serialize()
	require.NoError(t, err)

	var round map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &round))
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(round["newFirmwareField"]))
	assert.JSONEq(t, `"DocumentType"`, string(round["type"]))
}

func TestMetadata_TypedFieldsWinOverExtras(t *testing.T) {
	m, err := ParseMetadata([]byte(`{"type": "DocumentType", "visibleName": "old", "parent": "", "lastModified": "1", "pinned": false}`))
	require.NoError(t, err)

	m.VisibleName = "renamed"
	out, err := m.Serialize()
	require.NoError(t, err)

	round, err := ParseMetadata(out)
	require.NoError(t, err)
	assert.Equal(t, "renamed", round.VisibleName)
}

func TestMetadata_Trashed(t *testing.T) {
	m := NewDocumentMetadata("doc", ParentTrash)

	assert.True(t, m.Trashed())
}

func TestMetadata_Touch(t *testing.T) {
	m := NewDocumentMetadata("doc", "")
	m.LastModified = "0"

	m.Touch()

	assert.NotEqual(t, "0", m.LastModified)
}

func TestNewCollectionMetadata(t *testing.T) {
	m := NewCollectionMetadata("Projects", "")

	assert.Equal(t, CollectionType, m.Type)
	assert.True(t, m.IsCollection())
	assert.Equal(t, 1, m.Version)
	assert.NotEmpty(t, m.CreatedTime)
}
