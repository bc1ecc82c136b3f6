package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteRootIndex(t *testing.T, fake *fakeCloudOperations) *Index {
	t.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.root.Hash.Valid() {
		return &Index{Schema: IndexSchemaVersion}
	}
	parsed, err := ParseIndex(fake.blobs[fake.root.Hash])
	require.NoError(t, err)
	return parsed
}

func TestEngine_UploadNewDocument(t *testing.T) {
	h := newEngineHarness(t)
	doc := NewPDFDocument("upload.pdf", "", []byte("%PDF /Type /Page upload"))

	require.NoError(t, h.engine.CreateDocument(context.Background(), doc))

	// ルートにエントリが入っている
	rootIndex := remoteRootIndex(t, h.fake)
	entry, ok := rootIndex.Lookup(doc.UUID)
	require.True(t, ok)
	assert.Equal(t, 4, entry.ContentCount)

	// ドキュメントインデックスと全リーフがサーバーにある
	exists, err := h.fake.BlobExists(context.Background(), entry.Hash)
	require.NoError(t, err)
	assert.True(t, exists)

	// ストアにも登録され、未保存ペイロードは消えている
	got, ok := h.store.Document(doc.UUID)
	require.True(t, ok)
	assert.Equal(t, entry.Hash, got.IndexHash)
	_, hasPayload := got.Payload(doc.UUID + ".pdf")
	assert.False(t, hasPayload)

	// ルートの世代が進み、ローカルの同期状態も追従している
	assert.Equal(t, h.fake.root, h.engine.cloudSync.LastRoot())
	assert.Equal(t, h.fake.root.Hash, h.state.LastRoot().Hash)
}

func TestEngine_UploadUnchangedPayloadNotResent(t *testing.T) {
	h := newEngineHarness(t)
	doc := NewPDFDocument("upload.pdf", "", []byte("%PDF /Type /Page upload"))
	require.NoError(t, h.engine.CreateDocument(context.Background(), doc))

	stored, _ := h.store.Document(doc.UUID)
	pdfEntry, ok := stored.FileByUUID(doc.UUID + ".pdf")
	require.True(t, ok)
	h.fake.mu.Lock()
	putsBefore := h.fake.putCalls[pdfEntry.Hash]
	h.fake.mu.Unlock()

	// メタデータのみ変更して再アップロード
	require.NoError(t, h.engine.RenameDocument(context.Background(), doc.UUID, "renamed.pdf"))

	h.fake.mu.Lock()
	putsAfter := h.fake.putCalls[pdfEntry.Hash]
	h.fake.mu.Unlock()
	assert.Equal(t, putsBefore, putsAfter)

	got, _ := h.store.Document(doc.UUID)
	assert.Equal(t, "renamed.pdf", got.VisibleName())
}

func TestEngine_UploadRebasesOnRootConflict(t *testing.T) {
	h := newEngineHarness(t)
	other := h.seedRemoteDocument(t, "other-device.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	// 最初のルート更新の直前に別デバイスが割り込む
	intruded := false
	var intruder *Document
	h.fake.onPutRoot = func() {
		if intruded {
			return
		}
		intruded = true
		intruder = h.seedRemoteDocument(t, "intruder.pdf", "")
	}

	doc := NewPDFDocument("mine.pdf", "", []byte("%PDF /Type /Page mine"))
	require.NoError(t, h.engine.CreateDocument(context.Background(), doc))

	// 双方の変更が最終ルートに残っている
	rootIndex := remoteRootIndex(t, h.fake)
	_, ok := rootIndex.Lookup(doc.UUID)
	assert.True(t, ok)
	_, ok = rootIndex.Lookup(intruder.UUID)
	assert.True(t, ok)
	_, ok = rootIndex.Lookup(other.UUID)
	assert.True(t, ok)
}

func TestEngine_UploadStopsAfterConflictExhaustion(t *testing.T) {
	h := newEngineHarness(t)

	// 毎回別デバイスが先に世代を進めてしまい、CASが一度も通らない
	h.fake.onPutRoot = func() {
		h.fake.mu.Lock()
		h.fake.root.Generation++
		h.fake.mu.Unlock()
	}

	doc := NewPDFDocument("unlucky.pdf", "", []byte("%PDF /Type /Page unlucky"))
	err := h.engine.CreateDocument(context.Background(), doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRootConflict)

	// 回復不能として通知が飛んでいる
	h.eventsMu.Lock()
	var fatal *FatalEvent
	for _, e := range h.events {
		if f, ok := e.(FatalEvent); ok {
			fatal = &f
			break
		}
	}
	h.eventsMu.Unlock()
	require.NotNil(t, fatal)
	assert.ErrorIs(t, fatal.Err, ErrRootConflict)

	// 以降の書き込みは拒否される
	h.fake.onPutRoot = nil
	other := NewPDFDocument("after.pdf", "", []byte("%PDF /Type /Page after"))
	err = h.engine.CreateDocument(context.Background(), other)
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_DeleteDocument(t *testing.T) {
	h := newEngineHarness(t)
	doc := h.seedRemoteDocument(t, "doomed.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	require.NoError(t, h.engine.DeleteDocument(context.Background(), doc.UUID))

	rootIndex := remoteRootIndex(t, h.fake)
	_, ok := rootIndex.Lookup(doc.UUID)
	assert.False(t, ok)
	_, ok = h.store.Document(doc.UUID)
	assert.False(t, ok)
}

func TestEngine_DeleteUnknownDocument(t *testing.T) {
	h := newEngineHarness(t)

	err := h.engine.DeleteDocument(context.Background(), "no-such-doc")

	assert.Error(t, err)
}

func TestEngine_CreateCollectionAndMove(t *testing.T) {
	h := newEngineHarness(t)
	doc := h.seedRemoteDocument(t, "loose.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	collection, err := h.engine.CreateCollection(context.Background(), "Projects", "")
	require.NoError(t, err)

	require.NoError(t, h.engine.MoveDocument(context.Background(), doc.UUID, collection.UUID))

	got, _ := h.store.Document(doc.UUID)
	assert.Equal(t, collection.UUID, got.Parent())

	children := h.store.ChildDocuments(collection.UUID)
	require.Len(t, children, 1)
	assert.Equal(t, doc.UUID, children[0].UUID)
}

func TestEngine_MoveToUnknownCollection(t *testing.T) {
	h := newEngineHarness(t)
	doc := h.seedRemoteDocument(t, "loose.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	err := h.engine.MoveDocument(context.Background(), doc.UUID, "no-such-collection")

	assert.Error(t, err)
}

func TestEngine_MoveToTrash(t *testing.T) {
	h := newEngineHarness(t)
	doc := h.seedRemoteDocument(t, "old.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	require.NoError(t, h.engine.MoveDocument(context.Background(), doc.UUID, ParentTrash))

	got, _ := h.store.Document(doc.UUID)
	assert.True(t, got.Trashed())
}

func TestEngine_DuplicateDocument(t *testing.T) {
	h := newEngineHarness(t)
	doc := h.seedRemoteDocument(t, "original.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	duplicated, err := h.engine.DuplicateDocument(context.Background(), doc.UUID)

	require.NoError(t, err)
	assert.NotEqual(t, doc.UUID, duplicated.UUID)
	assert.Equal(t, "original.pdf copy", duplicated.VisibleName())

	rootIndex := remoteRootIndex(t, h.fake)
	_, ok := rootIndex.Lookup(doc.UUID)
	assert.True(t, ok)
	_, ok = rootIndex.Lookup(duplicated.UUID)
	assert.True(t, ok)
}

func TestEngine_UploadEmptyBatch(t *testing.T) {
	h := newEngineHarness(t)
	before := h.fake.rootPuts

	require.NoError(t, h.engine.Upload(context.Background(), UploadBatch{}))

	assert.Equal(t, before, h.fake.rootPuts)
}
