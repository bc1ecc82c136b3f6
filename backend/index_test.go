package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(seed string) Hash {
	return ComputeHash([]byte(seed))
}

func indexLine(seed, uuid string, count int, size int64) string {
	return fmt.Sprintf("%s:0:%s:%d:%d\n", testHash(seed), uuid, count, size)
}

func TestParseIndex(t *testing.T) {
	data := []byte("3\n" +
		indexLine("a", "doc1", 4, 1000) +
		indexLine("b", "doc2", 2, 200))

	index, err := ParseIndex(data)

	require.NoError(t, err)
	assert.Equal(t, 3, index.Schema)
	require.Len(t, index.Files, 2)
	assert.Equal(t, "doc1", index.Files[0].UUID)
	assert.Equal(t, testHash("a"), index.Files[0].Hash)
	assert.Equal(t, 4, index.Files[0].ContentCount)
	assert.Equal(t, int64(1000), index.Files[0].Size)
}

func TestParseIndex_UnsupportedSchema(t *testing.T) {
	_, err := ParseIndex([]byte("4\n" + indexLine("a", "doc1", 1, 10)))

	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestParseIndex_MalformedLine(t *testing.T) {
	_, err := ParseIndex([]byte("3\nnot-an-entry\n"))

	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestParseIndex_InvalidHash(t *testing.T) {
	_, err := ParseIndex([]byte("3\nxyz:0:doc1:1:10\n"))

	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestParseIndex_Empty(t *testing.T) {
	_, err := ParseIndex([]byte(""))

	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestParseVerifiedIndex(t *testing.T) {
	data := []byte("3\n" + indexLine("a", "doc1", 1, 10))

	index, err := ParseVerifiedIndex(data, ComputeHash(data))
	require.NoError(t, err)
	assert.Len(t, index.Files, 1)

	_, err = ParseVerifiedIndex(data, testHash("other"))
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestIndex_SerializeRoundTrip(t *testing.T) {
	index := &Index{
		Schema: 3,
		Files: []File{
			{Hash: testHash("a"), UUID: "doc1", ContentCount: 4, Size: 1000},
			{Hash: testHash("b"), UUID: "doc1.metadata", Size: 120},
		},
	}

	data := index.Serialize()
	parsed, err := ParseIndex(data)

	require.NoError(t, err)
	assert.Equal(t, index, parsed)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestIndex_Lookup(t *testing.T) {
	index := &Index{Schema: 3, Files: []File{{Hash: testHash("a"), UUID: "doc1", Size: 10}}}

	entry, ok := index.Lookup("doc1")
	assert.True(t, ok)
	assert.Equal(t, testHash("a"), entry.Hash)

	_, ok = index.Lookup("missing")
	assert.False(t, ok)
}

func TestIndex_Splice(t *testing.T) {
	index := &Index{
		Schema: 3,
		Files: []File{
			{Hash: testHash("a"), UUID: "doc1", Size: 10},
			{Hash: testHash("b"), UUID: "doc2", Size: 20},
			{Hash: testHash("c"), UUID: "doc3", Size: 30},
		},
	}

	result := index.Splice(
		[]File{
			{Hash: testHash("b2"), UUID: "doc2", Size: 22},
			{Hash: testHash("d"), UUID: "doc4", Size: 40},
		},
		map[string]bool{"doc3": true},
	)

	require.Len(t, result.Files, 3)
	assert.Equal(t, "doc1", result.Files[0].UUID)
	assert.Equal(t, "doc2", result.Files[1].UUID)
	assert.Equal(t, testHash("b2"), result.Files[1].Hash)
	assert.Equal(t, "doc4", result.Files[2].UUID)

	// 元のインデックスは変更されない
	assert.Len(t, index.Files, 3)
	assert.Equal(t, testHash("b"), index.Files[1].Hash)
}

func TestIndex_SpliceCollapsesDuplicates(t *testing.T) {
	index := &Index{
		Schema: 3,
		Files: []File{
			{Hash: testHash("a"), UUID: "doc1", Size: 10},
			{Hash: testHash("a2"), UUID: "doc1", Size: 12},
		},
	}

	result := index.Splice(nil, nil)

	require.Len(t, result.Files, 1)
	assert.Equal(t, testHash("a2"), result.Files[0].Hash)
}

func TestFile_DocumentID(t *testing.T) {
	assert.Equal(t, "doc1", File{UUID: "doc1"}.DocumentID())
	assert.Equal(t, "doc1", File{UUID: "doc1.metadata"}.DocumentID())
	assert.Equal(t, "doc1", File{UUID: "doc1/page1.rm"}.DocumentID())
}

func TestFile_Extension(t *testing.T) {
	assert.Equal(t, "", File{UUID: "doc1"}.Extension())
	assert.Equal(t, "metadata", File{UUID: "doc1.metadata"}.Extension())
	assert.Equal(t, "rm", File{UUID: "doc1/page1.rm"}.Extension())
}
