package coordinator

import (
	"testing"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ver(cv, counter uint64) mvcc.Version {
	return mvcc.Version{CoordinatorVersion: cv, Counter: counter}
}

func TestOpenQueries_ReleaseReturnsIssuer(t *testing.T) {
	o := newOpenQueries()
	o.add(1, ver(4, 7))

	issuer, notify, ok := o.release(ver(4, 7), 2)
	require.True(t, ok)
	assert.Equal(t, mvcc.NodeID(1), issuer, "the hint only breaks ties")
	assert.Empty(t, notify)
	assert.Zero(t, o.total())

	_, _, ok = o.release(ver(4, 7), 1)
	assert.False(t, ok)
}

func TestOpenQueries_HintPicksAmongIssuers(t *testing.T) {
	o := newOpenQueries()
	o.add(1, ver(2, 5))
	o.add(3, ver(2, 5))

	issuer, _, ok := o.release(ver(2, 5), 3)
	require.True(t, ok)
	assert.Equal(t, mvcc.NodeID(3), issuer)

	issuer, _, ok = o.release(ver(2, 5), 3)
	require.True(t, ok)
	assert.Equal(t, mvcc.NodeID(1), issuer)
}

func TestOpenQueries_ReportSkipsTargetsOwnTerm(t *testing.T) {
	o := newOpenQueries()
	o.add(1, ver(3, 4))
	o.add(1, ver(3, 4))
	o.add(2, ver(5, 2))
	o.add(2, ver(3, 9))

	got := o.report(reportTarget{node: 2, cv: 5})
	assert.Equal(t, []protocol.QueryCount{
		{Version: ver(3, 4), Count: 2},
		{Version: ver(3, 9), Count: 1},
	}, got, "an earlier term of the same node still counts")
}

func TestOpenQueries_ReleaseNotifiesReportedTargets(t *testing.T) {
	o := newOpenQueries()
	o.add(1, ver(3, 4))
	o.add(1, ver(3, 4))

	o.report(reportTarget{node: 2, cv: 5})
	// Opened after the report, so target 2 never counted it.
	o.add(1, ver(3, 4))
	o.report(reportTarget{node: 4, cv: 8})

	// Target 2 counted two of the three queries, so it hears from the second
	// release on.
	_, notify, ok := o.release(ver(3, 4), 1)
	require.True(t, ok)
	assert.Equal(t, []reportTarget{{node: 4, cv: 8}}, notify)

	both := []reportTarget{{node: 2, cv: 5}, {node: 4, cv: 8}}
	for i := 0; i < 2; i++ {
		_, notify, ok = o.release(ver(3, 4), 1)
		require.True(t, ok)
		assert.Equal(t, both, notify, "release %d", i+2)
	}
	assert.Zero(t, o.total())
}

func TestOpenQueries_RepeatedReportRepeatsFirstRecord(t *testing.T) {
	o := newOpenQueries()
	o.add(1, ver(3, 4))
	target := reportTarget{node: 2, cv: 5}

	first := o.report(target)
	o.add(1, ver(3, 4))
	o.add(1, ver(3, 6))
	assert.Equal(t, first, o.report(target))

	_, notify, _ := o.release(ver(3, 6), 1)
	assert.Empty(t, notify, "never reported to the target")
	_, notify, _ = o.release(ver(3, 4), 1)
	assert.Empty(t, notify)
	_, notify, _ = o.release(ver(3, 4), 1)
	assert.Equal(t, []reportTarget{target}, notify)
}
