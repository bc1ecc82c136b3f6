package backend

import (
	"sync"
)

// EventHandler はイベント購読者のコールバック
type EventHandler func(event Event)

// EventBus はエンジン内イベントの配信を担当するインターフェース
// 同期エンジン・通知クライアント・上位アプリの疎結合のために使う
type EventBus interface {
	// Subscribe は名前付きの購読を登録します（同名の再登録は置き換え）
	Subscribe(name string, handler EventHandler)
	// Unsubscribe は購読を解除します
	Unsubscribe(name string)
	// Publish はイベントを全購読者へ同期的に配信します
	Publish(event Event)
	// Close は以後の配信を止めます
	Close()
}

// eventBusImpl はEventBusの実装
// 配信中のSubscribe/Unsubscribe（ハンドラ内からの再入）は配信完了まで遅延して適用する
type eventBusImpl struct {
	mu         sync.Mutex
	handlers   map[string]EventHandler
	order      []string
	publishing bool
	deferred   []func()
	closed     bool
}

// NewEventBus は新しいEventBusインスタンスを作成
func NewEventBus() EventBus {
	return &eventBusImpl{
		handlers: make(map[string]EventHandler),
	}
}

func (b *eventBusImpl) Subscribe(name string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishing {
		b.deferred = append(b.deferred, func() { b.subscribeLocked(name, handler) })
		return
	}
	b.subscribeLocked(name, handler)
}

func (b *eventBusImpl) subscribeLocked(name string, handler EventHandler) {
	if _, exists := b.handlers[name]; !exists {
		b.order = append(b.order, name)
	}
	b.handlers[name] = handler
}

func (b *eventBusImpl) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishing {
		b.deferred = append(b.deferred, func() { b.unsubscribeLocked(name) })
		return
	}
	b.unsubscribeLocked(name)
}

func (b *eventBusImpl) unsubscribeLocked(name string) {
	if _, exists := b.handlers[name]; !exists {
		return
	}
	delete(b.handlers, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *eventBusImpl) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.publishing = true
	names := append([]string(nil), b.order...)
	handlers := make([]EventHandler, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, b.handlers[name])
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}

	b.mu.Lock()
	b.publishing = false
	deferred := b.deferred
	b.deferred = nil
	for _, apply := range deferred {
		apply()
	}
	b.mu.Unlock()
}

func (b *eventBusImpl) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
