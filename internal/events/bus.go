// Package events はプロセス内のトピックベースイベントバスを提供する。
package events

import "sync"

// トピック名。ペイロードの型は発行側のパッケージが定める。
const (
	TopicSweepCompleted = "sweep:completed"
	TopicRunCompleted   = "run:completed"
	TopicJobEnqueued    = "job:enqueued"
)

// Handler はイベント受信ハンドラ。発行側のゴルーチンで同期的に呼ばれる。
type Handler func(payload any)

// Bus はトピック別の購読者リストを管理する。
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewBus はイベントバスを生成する。
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe はトピックの購読を登録し、購読解除関数を返す。
// 解除関数は何度呼んでも安全。
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish はトピックの全購読者へペイロードを同期配送する。
// 購読者がいない場合は何もしない。
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
