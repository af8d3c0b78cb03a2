package broker

import "github.com/mtrencseni/aiomemq/internal/core/protocol"

// entry keeps the encoded frame next to the message so replays don't
// re-serialize.
type entry struct {
	msg   protocol.Message
	frame []byte
}

// replayCache holds, per topic, the most recent cacheable messages in index
// order. Each topic holds at most capacity entries.
type replayCache struct {
	capacity int
	topics   map[string][]entry
}

func newReplayCache(capacity int) *replayCache {
	return &replayCache{
		capacity: capacity,
		topics:   make(map[string][]entry),
	}
}

func (c *replayCache) record(e entry) {
	topic := e.msg.Topic
	c.topics[topic] = append(c.topics[topic], e)
	c.trim(topic)
}

// replay returns the entries with an index strictly greater than lastSeen.
func (c *replayCache) replay(topic string, lastSeen int64) []entry {
	var out []entry
	for _, e := range c.topics[topic] {
		if e.msg.Index > lastSeen {
			out = append(out, e)
		}
	}
	return out
}

// compact keeps entries the cursor has already seen, which slower
// subscribers may still need, and every broadcast entry.
func (c *replayCache) compact(topic string, lastSeen int64) {
	entries := c.topics[topic]
	kept := entries[:0]
	for _, e := range entries {
		if e.msg.Index <= lastSeen || e.msg.Delivery == protocol.DeliveryAll {
			kept = append(kept, e)
		}
	}
	clear(entries[len(kept):])
	c.topics[topic] = kept
	c.trim(topic)
}

func (c *replayCache) trim(topic string) {
	entries := c.topics[topic]
	if len(entries) > c.capacity {
		c.topics[topic] = entries[len(entries)-c.capacity:]
	}
}

func (c *replayCache) messages(topic string) []protocol.Message {
	entries := c.topics[topic]
	out := make([]protocol.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

func (c *replayCache) size() int {
	n := 0
	for _, entries := range c.topics {
		n += len(entries)
	}
	return n
}
