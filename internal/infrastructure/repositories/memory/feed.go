package memory

import (
	"context"
	"sync"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
)

// Feed is an in-process ports.Feed. Publish calls subscribers synchronously
// on the publishing goroutine.
type Feed[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[domain.RoomID]map[int]func(T)
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[domain.RoomID]map[int]func(T))}
}

var _ ports.Feed[domain.ChatMessage] = (*Feed[domain.ChatMessage])(nil)

func (f *Feed[T]) Publish(ctx context.Context, roomID domain.RoomID, v T) error {
	f.mu.RLock()
	handlers := make([]func(T), 0, len(f.subs[roomID]))
	for _, fn := range f.subs[roomID] {
		handlers = append(handlers, fn)
	}
	f.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
	return nil
}

func (f *Feed[T]) Subscribe(roomID domain.RoomID, fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[int]func(T))
	}
	f.subs[roomID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[roomID], id)
			if len(f.subs[roomID]) == 0 {
				delete(f.subs, roomID)
			}
		})
	}
}
