package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DocumentStore はダウンロード済みエンティティのインメモリレジストリです
// 同期エンジンがダウンロードパスごとに内容を入れ替え、読み取りはスナップショットを返す
type DocumentStore struct {
	mu          sync.RWMutex
	documents   map[string]*Document
	collections map[string]*DocumentCollection
	cache       BlobCache
}

// NewDocumentStore は新しいDocumentStoreインスタンスを作成します
func NewDocumentStore(cache BlobCache) *DocumentStore {
	return &DocumentStore{
		documents:   make(map[string]*Document),
		collections: make(map[string]*DocumentCollection),
		cache:       cache,
	}
}

// Replace はストアの内容を丸ごと入れ替えます（ダウンロードパスの確定時）
func (s *DocumentStore) Replace(documents []*Document, collections []*DocumentCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents = make(map[string]*Document, len(documents))
	for _, d := range documents {
		s.documents[d.UUID] = d
	}
	s.collections = make(map[string]*DocumentCollection, len(collections))
	for _, c := range collections {
		s.collections[c.UUID] = c
	}
	s.coerceOrphansLocked()
}

// Upsert はエンティティを1つ追加・置換します
func (s *DocumentStore) Upsert(document *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[document.UUID] = document
	s.coerceOrphansLocked()
}

// UpsertCollection はコレクションを1つ追加・置換します
func (s *DocumentStore) UpsertCollection(collection *DocumentCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection.UUID] = collection
	s.coerceOrphansLocked()
}

// Remove はエンティティを取り除きます
func (s *DocumentStore) Remove(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, uuid)
	delete(s.collections, uuid)
	s.coerceOrphansLocked()
}

// coerceOrphansLocked は親が存在しないエンティティをルート直下へ繰り上げる
// ゴミ箱（trash）は実体のない予約済みの親として常に有効
func (s *DocumentStore) coerceOrphansLocked() {
	validParent := func(parent string) bool {
		if parent == "" || parent == ParentTrash {
			return true
		}
		_, ok := s.collections[parent]
		return ok
	}
	for _, d := range s.documents {
		if !validParent(d.Metadata.Parent) {
			d.Metadata.Parent = ""
		}
	}
	for _, c := range s.collections {
		if !validParent(c.Metadata.Parent) {
			c.Metadata.Parent = ""
		}
	}
}

// ----------------------------------------------------------------
// 参照
// ----------------------------------------------------------------

// Document はドキュメントをUUIDで返します
func (s *DocumentStore) Document(uuid string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[uuid]
	return d, ok
}

// Collection はコレクションをUUIDで返します
func (s *DocumentStore) Collection(uuid string) (*DocumentCollection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[uuid]
	return c, ok
}

// Documents は全ドキュメントのスナップショットを返します
func (s *DocumentStore) Documents() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Document, 0, len(s.documents))
	for _, d := range s.documents {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result
}

// Collections は全コレクションのスナップショットを返します
func (s *DocumentStore) Collections() []*DocumentCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*DocumentCollection, 0, len(s.collections))
	for _, c := range s.collections {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result
}

// ChildDocuments は指定コレクション直下のドキュメントを表示名順で返します
func (s *DocumentStore) ChildDocuments(parent string) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Document
	for _, d := range s.documents {
		if d.Metadata.Parent == parent {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Metadata.VisibleName < result[j].Metadata.VisibleName
	})
	return result
}

// ChildCollections は指定コレクション直下のコレクションを表示名順で返します
func (s *DocumentStore) ChildCollections(parent string) []*DocumentCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*DocumentCollection
	for _, c := range s.collections {
		if c.Metadata.Parent == parent {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Metadata.VisibleName < result[j].Metadata.VisibleName
	})
	return result
}

// ----------------------------------------------------------------
// パス解決
// ----------------------------------------------------------------

// ResolvePath は "folder/sub/doc" 形式のパスをエンティティへ解決します
// 末尾要素はドキュメントとコレクションのどちらでもよい
func (s *DocumentStore) ResolvePath(path string) (*Document, *DocumentCollection, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("empty path")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	parent := ""
	for i, name := range parts {
		last := i == len(parts)-1
		if collection := s.findCollectionLocked(parent, name); collection != nil {
			if last {
				return nil, collection, nil
			}
			parent = collection.UUID
			continue
		}
		if last {
			if document := s.findDocumentLocked(parent, name); document != nil {
				return document, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("path %q not found", path)
	}
	return nil, nil, fmt.Errorf("path %q not found", path)
}

// PathOf はエンティティのフルパスを返します
func (s *DocumentStore) PathOf(uuid string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name, parent string
	if d, ok := s.documents[uuid]; ok {
		name, parent = d.Metadata.VisibleName, d.Metadata.Parent
	} else if c, ok := s.collections[uuid]; ok {
		name, parent = c.Metadata.VisibleName, c.Metadata.Parent
	} else {
		return "", fmt.Errorf("unknown entity %s", uuid)
	}

	parts := []string{name}
	for parent != "" && parent != ParentTrash {
		c, ok := s.collections[parent]
		if !ok {
			break
		}
		parts = append([]string{c.Metadata.VisibleName}, parts...)
		parent = c.Metadata.Parent
	}
	return strings.Join(parts, "/"), nil
}

func (s *DocumentStore) findCollectionLocked(parent, name string) *DocumentCollection {
	for _, c := range s.collections {
		if c.Metadata.Parent == parent && c.Metadata.VisibleName == name {
			return c
		}
	}
	return nil
}

func (s *DocumentStore) findDocumentLocked(parent, name string) *Document {
	for _, d := range s.documents {
		if d.Metadata.Parent == parent && d.Metadata.VisibleName == name {
			return d
		}
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// ----------------------------------------------------------------
// 可用性
// ----------------------------------------------------------------

// Available はドキュメントの全リーフがキャッシュ済みかどうかを返します
func (s *DocumentStore) Available(document *Document) bool {
	for _, f := range document.Files {
		if !s.cache.Exists(f.Hash) {
			return false
		}
	}
	return true
}

// MissingLeaves はキャッシュに無いリーフエントリを返します
func (s *DocumentStore) MissingLeaves(document *Document) []File {
	var missing []File
	for _, f := range document.Files {
		if !s.cache.Exists(f.Hash) {
			missing = append(missing, f)
		}
	}
	return missing
}
