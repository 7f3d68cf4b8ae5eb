package messaging

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shipsaga/fulfillment/domain/envelope"
)

// pollInterval matches §4.1's "consumers poll at ~100ms granularity" for
// the in-memory adapter.
const pollInterval = 100 * time.Millisecond

type storedMessage struct {
	id  string
	raw []byte
}

type topicLog struct {
	mu       sync.Mutex
	messages []storedMessage
}

// InMemoryPort is the test adapter: topic buffers, offsets tracked per
// (consumer-group, topic) pair. The buffers belong to one InMemoryPort
// value and are shared by every goroutine holding it; they are not
// process-wide, and two values returned by NewInMemoryPort do not see
// each other's topics.
type InMemoryPort struct {
	mu      sync.Mutex
	topics  map[string]*topicLog
	offsets map[string]int // key: consumerGroup + "\x00" + topic
	seen    map[string]struct{} // idempotent-producer dedup, key: topic + "\x00" + id

	wg     sync.WaitGroup
	closed bool
}

// NewInMemoryPort constructs an empty in-memory bus.
func NewInMemoryPort() *InMemoryPort {
	return &InMemoryPort{
		topics:  make(map[string]*topicLog),
		offsets: make(map[string]int),
		seen:    make(map[string]struct{}),
	}
}

func (p *InMemoryPort) topicLogFor(topic string) *topicLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = &topicLog{}
		p.topics[topic] = t
	}
	return t
}

func (p *InMemoryPort) publish(topic, id string, raw []byte) {
	dedupKey := topic + "\x00" + id
	p.mu.Lock()
	if _, dup := p.seen[dedupKey]; dup {
		p.mu.Unlock()
		return // idempotent producer: retries of the same id do not duplicate
	}
	p.seen[dedupKey] = struct{}{}
	p.mu.Unlock()

	t := p.topicLogFor(topic)
	t.mu.Lock()
	t.messages = append(t.messages, storedMessage{id: id, raw: raw})
	t.mu.Unlock()
}

// PublishEvent implements Port.
func (p *InMemoryPort) PublishEvent(ctx context.Context, event envelope.Event, topics ...string) error {
	return withRetry(ctx, DefaultRetryPolicy(), joinTopics(topics), func() error {
		raw, err := event.ToBytes()
		if err != nil {
			return ErrSerialization
		}
		for _, topic := range topics {
			p.publish(topic, event.EventID, raw)
		}
		return nil
	})
}

// PublishCommand implements Port.
func (p *InMemoryPort) PublishCommand(ctx context.Context, command envelope.Command, topics ...string) error {
	return withRetry(ctx, DefaultRetryPolicy(), joinTopics(topics), func() error {
		raw, err := command.ToBytes()
		if err != nil {
			return ErrSerialization
		}
		for _, topic := range topics {
			p.publish(topic, command.CommandID, raw)
		}
		return nil
	})
}

// ConsumeEvent implements Port.
func (p *InMemoryPort) ConsumeEvent(ctx context.Context, consumerGroup string, handler EventHandler, topics ...string) error {
	for _, topic := range topics {
		p.wg.Add(1)
		go p.consumeLoop(ctx, consumerGroup, topic, func(raw []byte) error {
			evt, err := envelope.EventFromBytes(raw)
			if err != nil {
				log.Printf("messaging: malformed event on %s, skipping: %v", topic, err)
				return errMalformed
			}
			return handler(ctx, evt)
		})
	}
	<-ctx.Done()
	p.wg.Wait()
	return nil
}

// ConsumeCommand implements Port.
func (p *InMemoryPort) ConsumeCommand(ctx context.Context, consumerGroup string, handler CommandHandler, topics ...string) error {
	for _, topic := range topics {
		p.wg.Add(1)
		go p.consumeLoop(ctx, consumerGroup, topic, func(raw []byte) error {
			cmd, err := envelope.CommandFromBytes(raw)
			if err != nil {
				log.Printf("messaging: malformed command on %s, skipping: %v", topic, err)
				return errMalformed
			}
			return handler(ctx, cmd)
		})
	}
	<-ctx.Done()
	p.wg.Wait()
	return nil
}

// errMalformed marks a message as unparseable; the offset still
// advances past it (§4.1: "consumer logs and skips rather than blocking
// the partition"), unlike a genuine handler error which leaves the
// offset in place for redelivery.
var errMalformed = &malformedError{}

type malformedError struct{}

func (*malformedError) Error() string { return "messaging: malformed message" }

func (p *InMemoryPort) consumeLoop(ctx context.Context, consumerGroup, topic string, process func(raw []byte) error) {
	defer p.wg.Done()
	offsetKey := consumerGroup + "\x00" + topic
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(topic, offsetKey, process)
		}
	}
}

func (p *InMemoryPort) drain(topic, offsetKey string, process func(raw []byte) error) {
	t := p.topicLogFor(topic)
	for {
		p.mu.Lock()
		offset := p.offsets[offsetKey]
		p.mu.Unlock()

		t.mu.Lock()
		if offset >= len(t.messages) {
			t.mu.Unlock()
			return
		}
		msg := t.messages[offset]
		t.mu.Unlock()

		err := process(msg.raw)
		if err != nil && !isMalformed(err) {
			// Handler failed on a well-formed message: leave the offset
			// in place so the same message is retried next poll
			// (store-unavailability-style redelivery, §7).
			return
		}

		p.mu.Lock()
		p.offsets[offsetKey] = offset + 1
		p.mu.Unlock()
	}
}

func isMalformed(err error) bool {
	_, ok := err.(*malformedError)
	return ok
}

// Close is a no-op for the in-memory adapter: there is no broker
// connection to release, only the goroutines consumeLoop already exits
// on ctx cancellation.
func (p *InMemoryPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func joinTopics(topics []string) string {
	switch len(topics) {
	case 0:
		return ""
	case 1:
		return topics[0]
	default:
		out := topics[0]
		for _, t := range topics[1:] {
			out += "," + t
		}
		return out
	}
}
