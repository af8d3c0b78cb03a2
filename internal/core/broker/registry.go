package broker

import (
	"cmp"
	"fmt"
	"slices"
)

// registry is the bidirectional topic/session index. topics and sessions
// are kept as exact inverses; an edge found in one map but not the other is
// a bug in the broker and panics.
type registry struct {
	topics   map[string]map[SessionID]Session
	sessions map[SessionID]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		topics:   make(map[string]map[SessionID]Session),
		sessions: make(map[SessionID]map[string]struct{}),
	}
}

func (r *registry) subscribe(topic string, sess Session) {
	id := sess.ID()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[SessionID]Session)
		r.topics[topic] = subs
	}
	subs[id] = sess

	topics, ok := r.sessions[id]
	if !ok {
		topics = make(map[string]struct{})
		r.sessions[id] = topics
	}
	topics[topic] = struct{}{}
}

func (r *registry) unsubscribe(topic string, id SessionID) {
	_, forward := r.topics[topic][id]
	_, reverse := r.sessions[id][topic]
	if forward != reverse {
		panic(fmt.Sprintf("broker: registry out of sync for topic %q session %s", topic, id))
	}
	if !forward {
		return
	}

	r.dropTopicEdge(topic, id)
	delete(r.sessions[id], topic)
	if len(r.sessions[id]) == 0 {
		delete(r.sessions, id)
	}
}

// cleanup removes every edge of the session. It is a no-op for a session
// that never subscribed.
func (r *registry) cleanup(id SessionID) {
	for topic := range r.sessions[id] {
		if _, ok := r.topics[topic][id]; !ok {
			panic(fmt.Sprintf("broker: registry out of sync for topic %q session %s", topic, id))
		}
		r.dropTopicEdge(topic, id)
	}
	delete(r.sessions, id)
}

func (r *registry) dropTopicEdge(topic string, id SessionID) {
	delete(r.topics[topic], id)
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
}

// subscribersOf returns a snapshot ordered by session id.
func (r *registry) subscribersOf(topic string) []Session {
	subs := r.topics[topic]
	out := make([]Session, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

func (r *registry) topicsOf(id SessionID) []string {
	out := make([]string, 0, len(r.sessions[id]))
	for t := range r.sessions[id] {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *registry) edges() int {
	n := 0
	for _, subs := range r.topics {
		n += len(subs)
	}
	return n
}

func (r *registry) verify() error {
	for topic, subs := range r.topics {
		if len(subs) == 0 {
			return fmt.Errorf("topic %q has an empty subscriber set", topic)
		}
		for id := range subs {
			if _, ok := r.sessions[id][topic]; !ok {
				return fmt.Errorf("topic %q lists session %s which does not list the topic", topic, id)
			}
		}
	}
	for id, topics := range r.sessions {
		if len(topics) == 0 {
			return fmt.Errorf("session %s has an empty topic set", id)
		}
		for topic := range topics {
			if _, ok := r.topics[topic][id]; !ok {
				return fmt.Errorf("session %s lists topic %q which does not list the session", id, topic)
			}
		}
	}
	return nil
}
