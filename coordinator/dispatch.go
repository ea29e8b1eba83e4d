package coordinator

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

type inbound struct {
	from mvcc.NodeID
	data []byte
}

type envelopeKey struct {
	from mvcc.NodeID
	seq  uint64
}

// dispatcher decodes inbound frames on a fixed pool of workers. Frames are
// sharded by sender so one sender's messages are handled in arrival order,
// while different senders proceed in parallel.
type dispatcher struct {
	shards []chan inbound
	seen   *lru.Cache[envelopeKey, struct{}]
	handle func(from mvcc.NodeID, msg protocol.Message)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newDispatcher(workers, queueSize, dedupSize int, handle func(mvcc.NodeID, protocol.Message)) (*dispatcher, error) {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	seen, err := lru.New[envelopeKey, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}

	d := &dispatcher{
		shards: make([]chan inbound, workers),
		seen:   seen,
		handle: handle,
		stopCh: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan inbound, queueSize)
	}
	return d, nil
}

func (d *dispatcher) start() {
	for i := range d.shards {
		d.wg.Add(1)
		go d.worker(d.shards[i])
	}
}

// enqueue blocks while the sender's shard is full.
func (d *dispatcher) enqueue(from mvcc.NodeID, data []byte) {
	shard := d.shards[uint64(from)%uint64(len(d.shards))]
	select {
	case shard <- inbound{from: from, data: data}:
	case <-d.stopCh:
	}
}

func (d *dispatcher) worker(queue chan inbound) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case in := <-queue:
			d.process(in)
		}
	}
}

func (d *dispatcher) process(in inbound) {
	env, msg, err := protocol.Decode(in.data)
	if err != nil {
		telemetry.DecodeErrorsTotal.Inc()
		var violation *protocol.ViolationError
		if errors.As(err, &violation) {
			log.Error().Err(err).Uint64("node_id", uint64(in.from)).Msg("Protocol violation in inbound frame")
		} else {
			log.Warn().Err(err).Uint64("node_id", uint64(in.from)).Msg("Dropping undecodable frame")
		}
		return
	}

	if env.From != in.from {
		log.Warn().
			Uint64("transport_from", uint64(in.from)).
			Uint64("envelope_from", uint64(env.From)).
			Msg("Envelope sender does not match transport sender")
	}

	if dup, _ := d.seen.ContainsOrAdd(envelopeKey{from: env.From, seq: env.Seq}, struct{}{}); dup {
		telemetry.DuplicateMessagesTotal.Inc()
		log.Debug().
			Uint64("node_id", uint64(env.From)).
			Uint64("seq", env.Seq).
			Str("kind", env.Kind.String()).
			Msg("Dropping duplicate envelope")
		return
	}

	d.handle(env.From, msg)
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
