package futures

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/mvccoord/id"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_FirstCompletionWins(t *testing.T) {
	p := NewPending[int]()

	assert.True(t, p.Resolve(1))
	assert.False(t, p.Resolve(2))
	assert.False(t, p.Fail(errors.New("late")))

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err, ok := p.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPending_ConcurrentCompletion(t *testing.T) {
	p := NewPending[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Resolve(i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	<-p.Done()
}

func TestPending_WaitHonoursContext(t *testing.T) {
	p := NewPending[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, ok := p.Result()
	assert.False(t, ok)
}

func TestPending_OnDone(t *testing.T) {
	p := NewPending[string]()

	var got []string
	p.OnDone(func(v string, err error) { got = append(got, "before:"+v) })
	p.Resolve("x")
	p.OnDone(func(v string, err error) { got = append(got, "after:"+v) })

	assert.Equal(t, []string{"before:x", "after:x"}, got)
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name     string
		parts    int
		fail     int
		wantErr  bool
		resolved bool
	}{
		{"empty resolves immediately", 0, -1, false, true},
		{"all resolve", 3, -1, false, true},
		{"first error fails join", 3, 1, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parts := make([]*Pending[struct{}], tc.parts)
			for i := range parts {
				parts[i] = NewPending[struct{}]()
			}

			joined := Join(parts...)
			for i, p := range parts {
				if i == tc.fail {
					p.Fail(errors.New("boom"))
					continue
				}
				p.Resolve(struct{}{})
			}

			_, err, ok := joined.Result()
			assert.Equal(t, tc.resolved, ok)
			assert.Equal(t, tc.wantErr, err != nil)
		})
	}
}

func TestJoin_WaitsForEveryPart(t *testing.T) {
	a, b := NewPending[struct{}](), NewPending[struct{}]()
	joined := Join(a, b)

	a.Resolve(struct{}{})
	_, _, ok := joined.Result()
	assert.False(t, ok)

	b.Resolve(struct{}{})
	_, err, ok := joined.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestRegistry_IDsAreUniqueAndIncreasing(t *testing.T) {
	r := NewRegistry(id.NewSequenceGenerator(0))

	v := r.NewVersionRequest(1)
	a := r.NewAck(1, AckCommit)
	w := r.NewAck(2, AckWaitTxs)

	assert.Less(t, v.ID, a.ID)
	assert.Less(t, a.ID, w.ID)

	versions, acks := r.Pending()
	assert.Equal(t, 1, versions)
	assert.Equal(t, 2, acks)
}

func TestRegistry_ResolveExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)
	req := r.NewVersionRequest(3)
	snap := mvcc.Snapshot{Version: mvcc.Version{CoordinatorVersion: 7, Counter: 4}}

	assert.True(t, r.ResolveVersion(req.ID, snap))
	assert.False(t, r.ResolveVersion(req.ID, snap), "duplicate response must be discarded")
	assert.False(t, r.FailVersion(req.ID, errors.New("late")))

	got, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	versions, _ := r.Pending()
	assert.Zero(t, versions)
}

func TestRegistry_AckOutcomes(t *testing.T) {
	r := NewRegistry(nil)

	ok := r.NewAck(1, AckCommit)
	vacuous := r.NewAck(1, AckCommit)
	failed := r.NewAck(1, AckWaitTxs)

	assert.True(t, r.ResolveAck(ok.ID))
	assert.True(t, r.SucceedAck(vacuous.ID))
	assert.True(t, r.FailAck(failed.ID, errors.New("send failed")))
	assert.False(t, r.ResolveAck(ok.ID))

	_, err := ok.Wait(context.Background())
	assert.NoError(t, err)
	_, err = vacuous.Wait(context.Background())
	assert.NoError(t, err)
	_, err = failed.Wait(context.Background())
	assert.Error(t, err)
}

func TestRegistry_CoordinatorFailureResolvesEverything(t *testing.T) {
	r := NewRegistry(nil)
	const crd mvcc.NodeID = 5

	v1 := r.NewVersionRequest(crd)
	v2 := r.NewVersionRequest(crd)
	ack := r.NewAck(crd, AckCommit)
	other := r.NewVersionRequest(6)

	assert.Equal(t, 3, r.OnNodeLeft(crd))

	for _, v := range []*VersionRequest{v1, v2} {
		_, err, ok := v.Result()
		require.True(t, ok)
		assert.ErrorIs(t, err, protocol.ErrCoordinatorLeft)
		var left *protocol.CoordinatorLeftError
		require.ErrorAs(t, err, &left)
		assert.Equal(t, crd, left.Node)
	}

	_, err, done := ack.Result()
	require.True(t, done)
	assert.NoError(t, err)

	_, _, done = other.Result()
	assert.False(t, done, "futures for other nodes must stay pending")

	versions, acks := r.Pending()
	assert.Equal(t, 1, versions)
	assert.Zero(t, acks)
}

func TestRegistry_ResponseRacesNodeLeft(t *testing.T) {
	r := NewRegistry(nil)
	const crd mvcc.NodeID = 9

	reqs := make([]*VersionRequest, 200)
	for i := range reqs {
		reqs[i] = r.NewVersionRequest(crd)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, req := range reqs {
			r.ResolveVersion(req.ID, mvcc.Snapshot{Version: mvcc.Version{CoordinatorVersion: 1, Counter: req.ID}})
		}
	}()
	go func() {
		defer wg.Done()
		r.OnNodeLeft(crd)
	}()
	wg.Wait()

	for _, req := range reqs {
		_, _, ok := req.Result()
		assert.True(t, ok)
	}
	versions, _ := r.Pending()
	assert.Zero(t, versions)
}
