package broadcast

import "sync"

// Hub routes values to per-topic broadcasters, so observers only receive
// the topics they asked for. A firehose subscription receives every value
// published on any topic.
type Hub[T any] struct {
	mu       sync.Mutex
	topics   map[string]*Broadcaster[T]
	firehose *Broadcaster[T]
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		topics:   make(map[string]*Broadcaster[T]),
		firehose: New[T](),
	}
}

// Subscribe joins topic, creating it on first use.
func (h *Hub[T]) Subscribe(topic string, buffer int) *Subscription[T] {
	h.mu.Lock()
	b, ok := h.topics[topic]
	if !ok {
		b = New[T]()
		h.topics[topic] = b
	}
	h.mu.Unlock()
	return b.Subscribe(buffer)
}

// SubscribeAll joins the firehose.
func (h *Hub[T]) SubscribeAll(buffer int) *Subscription[T] {
	return h.firehose.Subscribe(buffer)
}

// Publish delivers v to the subscribers of topic and to the firehose.
func (h *Hub[T]) Publish(topic string, v T) {
	h.mu.Lock()
	b := h.topics[topic]
	h.mu.Unlock()
	if b != nil {
		b.Publish(v)
	}
	h.firehose.Publish(v)
}

// CloseTopic ends every subscription to topic and forgets it.
func (h *Hub[T]) CloseTopic(topic string) {
	h.mu.Lock()
	b := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// Topics returns the number of topics that currently have a broadcaster.
func (h *Hub[T]) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Close ends every subscription, topic and firehose alike.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*Broadcaster[T])
	h.mu.Unlock()
	for _, b := range topics {
		b.Close()
	}
	h.firehose.Close()
}
