// Package bus carries coordination envelopes over message brokers. Each node
// consumes its own subject (NATS) or topic (Kafka); senders publish to the
// target's address.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const fromHeader = "mvccoord-from"

func init() {
	transport.Register(string(cfg.TransportNATS), func(opts transport.Options) (transport.Transport, error) {
		natsCfg := opts.Config.Transport.NATS
		if natsCfg.URL == "" {
			return nil, fmt.Errorf("nats transport requires url")
		}
		return NewNatsTransport(natsCfg.URL, natsCfg.SubjectPrefix, opts)
	})
}

// NatsSubject returns the subject node id consumes.
func NatsSubject(prefix string, id mvcc.NodeID) string {
	return prefix + "." + strconv.FormatUint(uint64(id), 10)
}

type natsConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	PublishMsg(msg *nats.Msg) error
	Close()
}

// NatsTransport publishes frames on core NATS subjects.
type NatsTransport struct {
	nc       natsConn
	prefix   string
	localID  mvcc.NodeID
	resolver transport.Resolver

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNatsTransport connects to url.
func NewNatsTransport(url, prefix string, opts transport.Options) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("mvccoord-%d", opts.LocalID)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNatsTransport(nc, prefix, opts), nil
}

func newNatsTransport(nc natsConn, prefix string, opts transport.Options) *NatsTransport {
	if prefix == "" {
		prefix = "mvccoord"
	}
	return &NatsTransport{
		nc:       nc,
		prefix:   prefix,
		localID:  opts.LocalID,
		resolver: opts.Resolver,
	}
}

// Start subscribes to the local node's subject.
func (t *NatsTransport) Start(handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return fmt.Errorf("nats transport already started")
	}

	subject := NatsSubject(t.prefix, t.localID)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		from, err := parseNodeID(msg.Header.Get(fromHeader))
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping NATS message without sender")
			return
		}
		handler(from, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.sub = sub

	log.Info().Str("subject", subject).Msg("NATS transport subscribed")
	return nil
}

// Send publishes data to the target's subject.
func (t *NatsTransport) Send(ctx context.Context, to mvcc.NodeID, data []byte) error {
	if t.resolver != nil {
		if _, ok := t.resolver.Address(to); !ok {
			return fmt.Errorf("node %d: %w", to, protocol.ErrNodeLeft)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: NatsSubject(t.prefix, to),
		Data:    data,
		Header:  nats.Header{fromHeader: []string{strconv.FormatUint(uint64(t.localID), 10)}},
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (t *NatsTransport) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("NATS unsubscribe failed")
		}
	}
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

func parseNodeID(s string) (mvcc.NodeID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return mvcc.NodeID(id), nil
}
