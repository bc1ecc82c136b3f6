package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtensionHost(t *testing.T) (ExtensionHost, *engineHarness) {
	t.Helper()
	h := newEngineHarness(t)
	updates := NewUpdateQueue(context.Background(), h.engine, h.state, NewTestLogger(h.bus))
	host := NewExtensionHost(context.Background(), h.engine, updates, h.store, h.engine.config, h.bus, NewTestLogger(h.bus))
	return host, h
}

func TestExtensionHost_RootAndDescribe(t *testing.T) {
	host, h := newTestExtensionHost(t)
	h.seedRemoteDocument(t, "manual.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	root := host.Root()
	require.Len(t, root, 1)
	assert.Equal(t, AccessorDocument, root[0].Kind)

	info, result := host.Describe(root[0])
	require.Equal(t, HostOK, result)
	assert.Equal(t, "manual.pdf", info.VisibleName)
	assert.Equal(t, DocumentType, info.Type)
	assert.Equal(t, FileTypePDF, info.FileType)

	// ペイロードは遅延取得なので、同期直後はまだローカルにない
	assert.False(t, info.Available)
	require.NoError(t, h.engine.EnsureAvailable(context.Background(), root[0].UUID))

	info, result = host.Describe(root[0])
	require.Equal(t, HostOK, result)
	assert.True(t, info.Available)
}

func TestExtensionHost_DescribeUnknownAccessor(t *testing.T) {
	host, _ := newTestExtensionHost(t)

	_, result := host.Describe(Accessor{Kind: AccessorDocument, UUID: "missing"})
	assert.Equal(t, HostNotFound, result)

	_, result = host.Describe(Accessor{Kind: AccessorMetadataBuilder, Handle: 1})
	assert.Equal(t, HostInvalidAccessor, result)
}

func TestExtensionHost_BuildAndUploadNotebook(t *testing.T) {
	host, h := newTestExtensionHost(t)

	metadata := host.NewMetadataBuilder()
	content := host.NewContentBuilder()
	require.Equal(t, HostOK, host.MetadataSetName(metadata, "from extension"))
	require.Equal(t, HostOK, host.ContentSetFileType(content, FileTypeNotebook))

	accessor, result := host.BuildDocument(metadata, content, nil)
	require.Equal(t, HostOK, result)
	require.Equal(t, AccessorDocument, accessor.Kind)

	// ビルダーは消費済み
	assert.Equal(t, HostNotFound, host.MetadataSetName(metadata, "again"))

	results := make(chan HostResult, 1)
	require.Equal(t, HostOK, host.UploadOne(accessor, func(r HostResult) { results <- r }))
	select {
	case r := <-results:
		assert.Equal(t, HostOK, r)
	case <-time.After(5 * time.Second):
		t.Fatal("upload callback never fired")
	}

	rootIndex := remoteRootIndex(t, h.fake)
	require.Len(t, rootIndex.Files, 1)
	assert.Equal(t, accessor.UUID, rootIndex.Files[0].UUID)
}

func TestExtensionHost_BuildDocumentValidation(t *testing.T) {
	host, _ := newTestExtensionHost(t)

	metadata := host.NewMetadataBuilder()
	content := host.NewContentBuilder()

	// 名前なしは弾く
	_, result := host.BuildDocument(metadata, content, nil)
	assert.Equal(t, HostInvalidArgument, result)

	// PDFはペイロード必須
	require.Equal(t, HostOK, host.MetadataSetName(metadata, "empty.pdf"))
	require.Equal(t, HostOK, host.ContentSetFileType(content, FileTypePDF))
	_, result = host.BuildDocument(metadata, content, nil)
	assert.Equal(t, HostInvalidArgument, result)

	// 不正なファイルタイプは設定段階で弾く
	assert.Equal(t, HostInvalidArgument, host.ContentSetFileType(content, "docx"))
}

func TestExtensionHost_UploadManyBatchesIntoOneRootUpdate(t *testing.T) {
	host, h := newTestExtensionHost(t)
	first := NewNotebookDocument("one", "")
	second := NewNotebookDocument("two", "")
	h.store.Upsert(first)
	h.store.Upsert(second)

	results := make(chan HostResult, 1)
	result := host.UploadMany([]Accessor{
		{Kind: AccessorDocument, UUID: first.UUID},
		{Kind: AccessorDocument, UUID: second.UUID},
	}, func(r HostResult) { results <- r })
	require.Equal(t, HostOK, result)

	select {
	case r := <-results:
		assert.Equal(t, HostOK, r)
	case <-time.After(5 * time.Second):
		t.Fatal("upload callback never fired")
	}

	// 2件の保存がルート1回のCAS更新に畳まれている
	h.fake.mu.Lock()
	rootPuts := h.fake.rootPuts
	h.fake.mu.Unlock()
	assert.Equal(t, 1, rootPuts)
	rootIndex := remoteRootIndex(t, h.fake)
	assert.Len(t, rootIndex.Files, 2)
}

func TestExtensionHost_DeleteMany(t *testing.T) {
	host, h := newTestExtensionHost(t)
	first := h.seedRemoteDocument(t, "one.pdf", "")
	second := h.seedRemoteDocument(t, "two.pdf", "")
	require.NoError(t, h.engine.Sync(context.Background()))

	results := make(chan HostResult, 1)
	result := host.DeleteMany([]Accessor{
		{Kind: AccessorDocument, UUID: first.UUID},
		{Kind: AccessorDocument, UUID: second.UUID},
	}, func(r HostResult) { results <- r })
	require.Equal(t, HostOK, result)

	select {
	case r := <-results:
		assert.Equal(t, HostOK, r)
	case <-time.After(5 * time.Second):
		t.Fatal("delete callback never fired")
	}

	assert.Empty(t, remoteRootIndex(t, h.fake).Files)
	_, ok := h.store.Document(first.UUID)
	assert.False(t, ok)
}

func TestExtensionHost_ConfigWhitelist(t *testing.T) {
	host, _ := newTestExtensionHost(t)

	_, result := host.ConfigGet("token_file_path")
	assert.Equal(t, HostKeyDenied, result)

	value, result := host.ConfigGet("max_concurrent_downloads")
	require.Equal(t, HostOK, result)
	assert.Equal(t, "4", value)

	assert.Equal(t, HostKeyDenied, host.ConfigSet("uri", "https://evil.example.com"))
	assert.Equal(t, HostInvalidArgument, host.ConfigSet("download_everything", "yes"))
	require.Equal(t, HostOK, host.ConfigSet("download_everything", "true"))

	value, result = host.ConfigGet("download_everything")
	require.Equal(t, HostOK, result)
	assert.Equal(t, "true", value)
}

func TestExtensionHost_UIHookReceivesEvents(t *testing.T) {
	host, h := newTestExtensionHost(t)

	received := make(chan Event, 8)
	require.Equal(t, HostOK, host.RegisterUIHook("statusbar", func(e Event) { received <- e }))
	assert.Equal(t, HostInvalidArgument, host.RegisterUIHook("statusbar", func(e Event) {}))

	h.bus.Publish(SyncCompleted{})
	select {
	case e := <-received:
		_, ok := e.(SyncCompleted)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("hook never received event")
	}

	require.Equal(t, HostOK, host.UnregisterUIHook("statusbar"))
	assert.Equal(t, HostNotFound, host.UnregisterUIHook("statusbar"))
}
