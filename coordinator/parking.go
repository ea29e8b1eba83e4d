package coordinator

import (
	"sync"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

type parkedRequest struct {
	id       uint64
	from     mvcc.NodeID
	msg      protocol.Message
	parkedAt time.Time
}

// parking holds requests that arrived before this node initialized a
// coordinator term, off the dispatch shards, so the sender's responses and
// acks keep flowing while its requests wait.
type parking struct {
	mu      sync.Mutex
	limit   int
	timeout time.Duration // 0 keeps requests until a term starts or the sender leaves
	seq     uint64
	queue   []parkedRequest
}

func newParking(limit int, timeout time.Duration) *parking {
	if limit < 1 {
		limit = 1
	}
	return &parking{limit: limit, timeout: timeout}
}

// park queues msg unless ready reports a term, which is then returned. ready is
// evaluated under the parking lock so no request is queued after take.
func (p *parking) park(from mvcc.NodeID, msg protocol.Message, ready func() *term) *term {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := ready(); t != nil {
		return t
	}

	if len(p.queue) >= p.limit {
		oldest := p.queue[0]
		p.queue = p.queue[1:]
		telemetry.ParkedDroppedTotal.With("overflow").Inc()
		log.Warn().
			Uint64("node_id", uint64(oldest.from)).
			Str("kind", oldest.msg.Kind().String()).
			Int("limit", p.limit).
			Msg("Parked requests full, dropping oldest")
	}

	p.seq++
	id := p.seq
	p.queue = append(p.queue, parkedRequest{id: id, from: from, msg: msg, parkedAt: time.Now()})
	telemetry.ParkedRequests.Set(float64(len(p.queue)))

	if p.timeout > 0 {
		time.AfterFunc(p.timeout, func() { p.expire(id) })
	}
	return nil
}

// take removes and returns every parked request in arrival order.
func (p *parking) take() []parkedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue := p.queue
	p.queue = nil
	telemetry.ParkedRequests.Set(0)
	return queue
}

func (p *parking) expire(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.queue {
		if r.id != id {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		telemetry.ParkedRequests.Set(float64(len(p.queue)))
		telemetry.ParkedDroppedTotal.With("timeout").Inc()
		log.Warn().
			Err(&InitTimeoutError{From: r.from, Waited: time.Since(r.parkedAt)}).
			Str("kind", r.msg.Kind().String()).
			Msg("Dropping coordinator request")
		return
	}
}

// dropFrom discards the requests of a departed sender.
func (p *parking) dropFrom(node mvcc.NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.queue[:0]
	dropped := 0
	for _, r := range p.queue {
		if r.from == node {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	p.queue = kept
	if dropped > 0 {
		telemetry.ParkedRequests.Set(float64(len(p.queue)))
		for i := 0; i < dropped; i++ {
			telemetry.ParkedDroppedTotal.With("node_left").Inc()
		}
	}
	return dropped
}

func (p *parking) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
