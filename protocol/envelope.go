package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/maxpert/mvccoord/encoding"
	"github.com/maxpert/mvccoord/mvcc"
)

// Envelope is the transport-agnostic frame around every message.
//
// Seq is a per-sender sequence number. Receivers use (From, Seq) only to drop
// redelivered frames; it carries no ordering meaning.
type Envelope struct {
	From    mvcc.NodeID `msgpack:"fr"`
	Seq     uint64      `msgpack:"sq"`
	Kind    Kind        `msgpack:"k"`
	Payload []byte      `msgpack:"p"`
}

var compressThreshold atomic.Int64

func init() {
	compressThreshold.Store(encoding.DefaultCompressThreshold)
}

// SetCompressThreshold sets the payload size above which payloads are zstd
// compressed. Zero or negative disables compression.
func SetCompressThreshold(n int) {
	compressThreshold.Store(int64(n))
}

// Encode wraps msg in an envelope and serializes it.
func Encode(from mvcc.NodeID, seq uint64, msg Message) ([]byte, error) {
	body, err := encoding.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	payload, err := encoding.Compress(body, int(compressThreshold.Load()))
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", msg.Kind(), err)
	}

	return encoding.Marshal(&Envelope{
		From:    from,
		Seq:     seq,
		Kind:    msg.Kind(),
		Payload: payload,
	})
}

// Decode parses a frame produced by Encode. The returned message is a value of
// one of the payload types (never a pointer).
func Decode(data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}

	msg, ok := newMessage(env.Kind)
	if !ok {
		return env, nil, &ViolationError{Reason: fmt.Sprintf("unknown message %s from node %d", env.Kind, env.From), Err: ErrUnknownKind}
	}

	body, err := encoding.Decompress(env.Payload)
	if err != nil {
		return env, nil, fmt.Errorf("decompress %s: %w", env.Kind, err)
	}

	if err := encoding.Unmarshal(body, msg); err != nil {
		return env, nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}

	return env, deref(msg), nil
}
