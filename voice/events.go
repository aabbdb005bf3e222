// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

import "sync"

// emitter is a small typed observer list. Handlers are snapshotted under the
// lock and invoked outside it, so a handler may subscribe or unsubscribe
// reentrantly.
type emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

func (e *emitter[T]) subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *emitter[T]) emit(value T) {
	e.mu.Lock()
	snapshot := make([]func(T), 0, len(e.handlers))
	for _, fn := range e.handlers {
		snapshot = append(snapshot, fn)
	}
	e.mu.Unlock()
	for _, fn := range snapshot {
		fn(value)
	}
}

func (e *emitter[T]) clear() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}
