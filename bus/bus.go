// Package bus is a small in-process pub-sub message bus with retained
// messages, used to publish peripheral capability state to consumers.
package bus

import (
	"strings"
	"sync"
)

// Topic is a path of string segments, e.g. storage/card/sd0/status.
type Topic []string

// T builds a topic from its segments.
func T(parts ...string) Topic { return Topic(parts) }

func (t Topic) String() string { return strings.Join(t, "/") }

// Message is one published datum. A retained message with a nil payload
// clears the retention slot.
type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
}

// Subscription is one subscriber queue on an exact topic.
type Subscription struct {
	topic Topic
	ch    chan *Message
	bus   *Bus
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.bus.unsubscribe(s) }

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

// Bus routes messages over a topic trie. Delivery is non-blocking: when a
// subscriber queue is full the oldest message is dropped.
type Bus struct {
	mu   sync.Mutex
	root *node
	qLen int
}

// New creates a bus with the given per-subscription queue length.
func New(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// Subscribe registers a queue on an exact topic. A retained message, if
// present, is delivered immediately.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, b.qLen), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, seg := range topic {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[seg]
		if !ok {
			child = &node{}
			n.children[seg] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	if n.retained != nil {
		sub.ch <- n.retained
	}
	return sub
}

// Publish delivers msg to all subscribers of its topic and updates the
// retention slot when msg.Retained is set.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, seg := range msg.Topic {
		child, ok := n.children[seg]
		if !ok {
			if !msg.Retained {
				return
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child = &node{}
			n.children[seg] = child
		}
		n = child
	}

	for _, sub := range n.subs {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: drop the oldest, keep the freshest.
			<-sub.ch
			sub.ch <- msg
		}
	}

	if msg.Retained {
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var path []*node
	for _, seg := range sub.topic {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		path = append(path, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune now-empty trie branches.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		parent := path[i]
		child := parent.children[sub.topic[i]]
		if len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, sub.topic[i])
		} else {
			break
		}
	}
}
