package mqtt

import (
	"slices"

	"github.com/sweeney/tank-sensor/internal/log"
)

// message is a formatted publish waiting for the broker.
type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds status-change and system messages while the broker is
// unreachable. The broker keeps one retained message per topic, so a queued
// retained message is superseded by a newer one on the same topic. When full,
// the oldest unretained message goes first.
//
// Not safe for concurrent use; RealPublisher guards it with its mutex.
type outbox struct {
	msgs    []message
	limit   int
	dropped uint64 // evicted since creation, superseded retained messages excluded
	warned  bool   // eviction logged since the last take
}

func newOutbox(limit int) *outbox {
	if limit < 1 {
		limit = 1
	}
	return &outbox{limit: limit}
}

// add queues m behind everything already waiting.
func (o *outbox) add(m message) {
	if m.retained {
		o.msgs = slices.DeleteFunc(o.msgs, func(q message) bool {
			return q.retained && q.topic == m.topic
		})
	}
	if len(o.msgs) >= o.limit {
		o.evict()
	}
	o.msgs = append(o.msgs, m)
}

// restore puts msgs back at the head of the queue, ahead of anything added
// since they were taken, then evicts as add does until within the limit.
func (o *outbox) restore(msgs []message) {
	o.msgs = append(slices.Clone(msgs), o.msgs...)
	for len(o.msgs) > o.limit {
		o.evict()
	}
}

func (o *outbox) evict() {
	i := slices.IndexFunc(o.msgs, func(q message) bool { return !q.retained })
	if i < 0 {
		i = 0
	}
	if !o.warned {
		log.Warnf("mqtt: outbox full (%d messages), dropping %s message", o.limit, o.msgs[i].topic)
		o.warned = true
	}
	o.msgs = slices.Delete(o.msgs, i, i+1)
	o.dropped++
}

// take empties the outbox and returns its messages oldest first.
func (o *outbox) take() []message {
	if len(o.msgs) == 0 {
		return nil
	}
	out := o.msgs
	o.msgs = nil
	o.warned = false
	return out
}

func (o *outbox) size() int {
	return len(o.msgs)
}
