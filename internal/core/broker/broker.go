// Package broker implements the topic state engine: the subscription
// registry, the per-topic replay cache and sequence counters, and delivery
// dispatch. A Broker is safe for concurrent use; every command is applied
// atomically under a single lock.
package broker

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

// DefaultCacheSize is the per-topic replay cache capacity.
const DefaultCacheSize = 100

// SessionID identifies a connection for its whole lifetime.
type SessionID string

// Session is a connection's write target. Send is called with the broker
// lock held and must not block.
type Session interface {
	ID() SessionID
	Send(frame []byte)
}

// Rand picks the recipient of single-delivery messages.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Stats is a point-in-time summary of broker state.
type Stats struct {
	Topics         int
	Subscriptions  int
	Sessions       int
	CachedMessages int
}

// Broker owns the registry, replay cache and sequence counters.
type Broker struct {
	mu       sync.Mutex
	registry *registry
	cache    *replayCache
	counters map[string]int64
	rand     Rand
	log      zerolog.Logger
}

// New creates a broker with the default cache size.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		registry: newRegistry(),
		cache:    newReplayCache(DefaultCacheSize),
		counters: make(map[string]int64),
		rand:     globalRand{},
		log:      log,
	}
}

// WithCacheSize sets the per-topic cache capacity. It must be called before
// the broker is used.
func (b *Broker) WithCacheSize(n int) *Broker {
	if n < 0 {
		n = 0
	}
	b.cache.capacity = n
	return b
}

// WithRand replaces the random source used for single delivery.
func (b *Broker) WithRand(r Rand) *Broker {
	b.rand = r
	return b
}

// Handle applies a validated command on behalf of sess.
func (b *Broker) Handle(sess Session, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Subscribe:
		b.Subscribe(sess, c)
	case protocol.Unsubscribe:
		b.Unsubscribe(sess, c)
	case protocol.Send:
		b.Publish(sess, c)
	default:
		panic(fmt.Sprintf("broker: unhandled command %T", cmd))
	}
}

// Subscribe adds sess to the topic, acknowledges, then replays cached
// messages newer than the cursor unless the command opted out.
func (b *Broker) Subscribe(sess Session, cmd protocol.Subscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registry.subscribe(cmd.Topic, sess)
	sess.Send(protocol.SuccessFrame())

	if !cmd.WantsReplay() {
		return
	}

	cursor := cmd.Cursor()
	replayed := b.cache.replay(cmd.Topic, cursor)
	for _, e := range replayed {
		sess.Send(e.frame)
	}
	b.cache.compact(cmd.Topic, cursor)

	b.log.Debug().
		Str("session", string(sess.ID())).
		Str("topic", cmd.Topic).
		Int64("last_seen", cursor).
		Int("replayed", len(replayed)).
		Msg("subscribed")
}

// Unsubscribe removes sess from the topic. Unknown edges are not an error.
func (b *Broker) Unsubscribe(sess Session, cmd protocol.Unsubscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registry.unsubscribe(cmd.Topic, sess.ID())
	sess.Send(protocol.SuccessFrame())
}

// Publish assigns the next index for the topic, caches the message when
// allowed, delivers it and acknowledges the publisher.
func (b *Broker) Publish(sess Session, cmd protocol.Send) {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.counters[cmd.Topic]
	b.counters[cmd.Topic] = index + 1

	subs := b.registry.subscribersOf(cmd.Topic)
	recipients := subs
	if cmd.Delivery == protocol.DeliveryOne {
		recipients = nil
		if len(subs) > 0 {
			i := b.rand.IntN(len(subs))
			recipients = subs[i : i+1]
		}
	}

	msg := protocol.NewMessage(cmd, index)
	frame := protocol.MustEncode(msg)

	if cmd.Cacheable() {
		b.cache.record(entry{msg: msg, frame: frame})
	}

	for _, r := range recipients {
		r.Send(frame)
	}
	sess.Send(protocol.SuccessFrame())
}

// Disconnect removes every subscription of the session.
func (b *Broker) Disconnect(id SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := b.registry.topicsOf(id)
	b.registry.cleanup(id)

	b.log.Debug().Str("session", string(id)).Strs("topics", topics).Msg("session cleaned up")
}

// Stats summarizes the current state.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := len(b.counters)
	for t := range b.registry.topics {
		if _, ok := b.counters[t]; !ok {
			topics++
		}
	}

	return Stats{
		Topics:         topics,
		Subscriptions:  b.registry.edges(),
		Sessions:       len(b.registry.sessions),
		CachedMessages: b.cache.size(),
	}
}

// Subscribers returns the ids subscribed to topic, sorted.
func (b *Broker) Subscribers(topic string) []SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.registry.subscribersOf(topic)
	ids := make([]SessionID, len(subs))
	for i, s := range subs {
		ids[i] = s.ID()
	}
	return ids
}

// Topics returns the topics id is subscribed to, sorted.
func (b *Broker) Topics(id SessionID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.topicsOf(id)
}

// Cached returns a copy of the topic's replay cache in index order.
func (b *Broker) Cached(topic string) []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.messages(topic)
}

// NextIndex returns the index the next publish to topic will receive.
func (b *Broker) NextIndex(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters[topic]
}

// Verify checks that the registry's two indexes agree.
func (b *Broker) Verify() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.verify()
}
