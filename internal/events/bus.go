package events

import (
	"sync"
)

// Topic names an event stream carrying payloads of type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the wire name of the topic.
func (t Topic[T]) Name() string {
	return t.name
}

// Envelope is the untyped form delivered to wildcard observers.
type Envelope struct {
	Topic   string
	Payload any
}

type subscriber struct {
	id int64
	fn func(any)
}

// Bus routes published payloads to subscribers. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[string][]subscriber
	all      []subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]subscriber)}
}

// Subscribe registers fn for topic and returns a function that removes the
// subscription. Calling the returned function more than once is harmless.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic.name] = append(b.handlers[topic.name], subscriber{
		id: id,
		fn: func(payload any) {
			if typed, ok := payload.(T); ok {
				fn(typed)
			}
		},
	})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers[topic.name] = removeSubscriber(b.handlers[topic.name], id)
		})
	}
}

// SubscribeAll registers an observer for every topic. The control API uses it
// to fan events out to connected stream clients.
func (b *Bus) SubscribeAll(fn func(Envelope)) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriber{id: id, fn: func(payload any) {
		if env, ok := payload.(Envelope); ok {
			fn(env)
		}
	}})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = removeSubscriber(b.all, id)
		})
	}
}

// Publish delivers payload to every subscriber of topic.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]subscriber(nil), b.handlers[topic.name]...)
	all := append([]subscriber(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range handlers {
		sub.fn(payload)
	}
	if len(all) == 0 {
		return
	}
	env := Envelope{Topic: topic.name, Payload: payload}
	for _, sub := range all {
		sub.fn(env)
	}
}

func removeSubscriber(list []subscriber, id int64) []subscriber {
	out := list[:0:0]
	for _, sub := range list {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
