package dkg

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dvlabs/dkg/dkg/vss"
	"github.com/dvlabs/dkg/logging"
)

type testNode struct {
	addr   common.Address
	sm     *StateMachine
	result *Result
}

type queuedAction struct {
	from common.Address
	act  Action
}

// cluster wires state machines together the way the node layer does: round 1
// reaches peers only (the engine self-delivers), round 2 and complaints are
// echoed to their sender, culprit reports are never echoed.
type cluster struct {
	t         *testing.T
	era       uint64
	threshold uint16
	nodes     []*testNode
	queue     []queuedAction
	errs      []error

	sourceTamper  func(from common.Address, act Action) Action
	transitTamper func(from common.Address, to *testNode, ev Event) Event
}

func newCluster(t *testing.T, n int, threshold uint16) *cluster {
	t.Helper()
	logger := logging.TestLogger(t)
	c := &cluster{t: t, era: 7, threshold: threshold}
	for i := 0; i < n; i++ {
		c.nodes = append(c.nodes, &testNode{
			addr: testAddr(i),
			sm:   NewStateMachine(logger, DefaultTimeouts()),
		})
	}
	return c
}

func (c *cluster) validators() []common.Address {
	out := make([]common.Address, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.addr
	}
	return out
}

func (c *cluster) start() {
	for _, n := range c.nodes {
		acts, err := n.sm.ProcessEvent(&StartEvent{Config: SessionConfig{
			Era:         c.era,
			Threshold:   c.threshold,
			Validators:  c.validators(),
			SelfAddress: n.addr,
		}})
		require.NoError(c.t, err)
		c.enqueue(n.addr, acts)
	}
}

func (c *cluster) enqueue(from common.Address, acts []Action) {
	for _, act := range acts {
		if c.sourceTamper != nil {
			act = c.sourceTamper(from, act)
		}
		c.queue = append(c.queue, queuedAction{from: from, act: act})
	}
}

func (c *cluster) pump() {
	for len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		switch act := item.act.(type) {
		case *BroadcastRound1:
			c.deliver(item.from, false, &Round1Event{From: item.from, Message: act.Message})
		case *BroadcastRound2:
			c.deliver(item.from, true, &Round2Event{From: item.from, Message: act.Message})
		case *BroadcastComplaint:
			c.deliver(item.from, true, &ComplaintEvent{From: item.from, Message: act.Message})
		case *BroadcastRound2Culprits:
			c.deliver(item.from, false, &Round2CulpritsEvent{From: item.from, Message: act.Message})
		case *Complete:
			result := act.Result
			c.node(item.from).result = &result
		}
	}
}

func (c *cluster) deliver(from common.Address, echo bool, event Event) {
	for _, n := range c.nodes {
		if n.addr == from && !echo {
			continue
		}
		delivered := event
		if c.transitTamper != nil {
			delivered = c.transitTamper(from, n, delivered)
		}
		acts, err := n.sm.ProcessEvent(delivered)
		if err != nil {
			c.errs = append(c.errs, err)
			continue
		}
		c.enqueue(n.addr, acts)
	}
}

func (c *cluster) node(addr common.Address) *testNode {
	for _, n := range c.nodes {
		if n.addr == addr {
			return n
		}
	}
	c.t.Fatalf("no node with address %s", addr.Hex())
	return nil
}

func warpClock(n *testNode, ahead time.Duration) {
	n.sm.now = func() time.Time {
		return time.Now().Add(ahead)
	}
}

func TestSessionHappyPath(t *testing.T) {
	c := newCluster(t, 3, 2)
	c.start()
	c.pump()
	require.Empty(t, c.errs)

	var groupKey []byte
	for i, n := range c.nodes {
		require.Equal(t, StateCompleted, n.sm.State())
		require.NotNil(t, n.result)
		require.False(t, n.result.Failed())

		completed := n.result.Completed
		require.NotNil(t, completed.Share)
		require.Equal(t, uint64(7), completed.Share.Era)
		require.Equal(t, uint16(i+1), completed.Share.ValidatorIndex)
		require.Equal(t, uint16(2), completed.Share.Threshold)

		if groupKey == nil {
			groupKey = completed.PublicKeyPackage.GroupPublicKey
		}
		require.Equal(t, groupKey, completed.PublicKeyPackage.GroupPublicKey)

		snap := n.sm.Snapshot()
		require.True(t, snap.Completed)
		require.Len(t, snap.Identifiers, 3)
		require.Len(t, snap.Round1, 3)
		require.Len(t, snap.Round2, 3)
		require.Empty(t, snap.Complaints)
	}

	// the public packages match across every node
	first, err := json.Marshal(c.nodes[0].result.Completed.PublicKeyPackage)
	require.NoError(t, err)
	for _, n := range c.nodes[1:] {
		other, err := json.Marshal(n.result.Completed.PublicKeyPackage)
		require.NoError(t, err)
		require.Equal(t, first, other)
	}
	require.NotEqual(t,
		c.nodes[0].result.Completed.KeyPackage.SigningShare,
		c.nodes[1].result.Completed.KeyPackage.SigningShare)
}

func TestStartWhileRunning(t *testing.T) {
	c := newCluster(t, 2, 2)
	c.start()

	_, err := c.nodes[0].sm.ProcessEvent(&StartEvent{Config: SessionConfig{
		Era:         c.era,
		Threshold:   c.threshold,
		Validators:  c.validators(),
		SelfAddress: c.nodes[0].addr,
	}})
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEventsBeforeStart(t *testing.T) {
	logger := logging.TestLogger(t)
	sm := NewStateMachine(logger, DefaultTimeouts())

	// messages gated by phase are dropped in Idle
	acts, err := sm.ProcessEvent(&Round1Event{From: testAddr(0), Message: &Round1{Session: testSession()}})
	require.NoError(t, err)
	require.Empty(t, acts)

	acts, err = sm.ProcessEvent(&Round2Event{From: testAddr(0), Message: &Round2{Session: testSession()}})
	require.NoError(t, err)
	require.Empty(t, acts)

	// disputes need an active protocol
	_, err = sm.ProcessEvent(&ComplaintEvent{From: testAddr(0), Message: &Complaint{Session: testSession(), Complainer: testAddr(0), Offender: testAddr(1)}})
	require.ErrorIs(t, err, ErrNoActiveProtocol)
	_, err = sm.ProcessEvent(&JustificationEvent{From: testAddr(1), Message: &Justification{Session: testSession(), Complainer: testAddr(0), Offender: testAddr(1)}})
	require.ErrorIs(t, err, ErrNoActiveProtocol)

	// timeouts outside pending phases do nothing
	acts, err = sm.ProcessEvent(&TimeoutEvent{})
	require.NoError(t, err)
	require.Empty(t, acts)
}

func TestOutOfPhaseDrops(t *testing.T) {
	c := newCluster(t, 2, 2)
	c.start()
	// no pump: both nodes sit in Round1Pending

	n := c.nodes[0]
	require.Equal(t, StateRound1Pending, n.sm.State())

	acts, err := n.sm.ProcessEvent(&Round2Event{From: c.nodes[1].addr, Message: &Round2{Session: testSession()}})
	require.NoError(t, err)
	require.Empty(t, acts)

	acts, err = n.sm.ProcessEvent(&Round2CulpritsEvent{From: c.nodes[1].addr, Message: &Round2Culprits{Session: testSession()}})
	require.NoError(t, err)
	require.Empty(t, acts)

	require.Equal(t, StateRound1Pending, n.sm.State())
}

func TestPhaseTimeouts(t *testing.T) {
	c := newCluster(t, 2, 2)
	c.start()

	n := c.nodes[0]

	// before the deadline nothing happens
	acts, err := n.sm.ProcessEvent(&TimeoutEvent{})
	require.NoError(t, err)
	require.Empty(t, acts)

	warpClock(n, 31*time.Second)
	acts, err = n.sm.ProcessEvent(&TimeoutEvent{})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	complete, ok := acts[0].(*Complete)
	require.True(t, ok)
	require.True(t, complete.Result.Failed())
	require.Equal(t, "Round1 timeout", complete.Result.Reason)
	require.Equal(t, StateFailed, n.sm.State())
	require.Equal(t, "Round1 timeout", n.sm.Failure())

	// terminal states ignore further timeouts
	acts, err = n.sm.ProcessEvent(&TimeoutEvent{})
	require.NoError(t, err)
	require.Empty(t, acts)
}

func TestThresholdFloorFailsSession(t *testing.T) {
	c := newCluster(t, 2, 2)
	c.start()

	n := c.nodes[0]
	offender := c.nodes[1].addr

	// a justification nobody complained about counts as invalid and excludes
	// its sender; the lone survivor cannot meet the threshold, so the session
	// fails instead of restarting
	acts, err := n.sm.ProcessEvent(&JustificationEvent{From: offender, Message: &Justification{
		Session:    testSession(),
		Complainer: n.addr,
		Offender:   offender,
	}})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	complete, ok := acts[0].(*Complete)
	require.True(t, ok)
	require.True(t, complete.Result.Failed())
	require.Equal(t, "Too many culprits", complete.Result.Reason)
	require.Equal(t, StateFailed, n.sm.State())
	require.Equal(t, []common.Address{offender}, n.sm.Excluded())
}

func TestBadDealerExclusionAndRestart(t *testing.T) {
	c := newCluster(t, 3, 2)
	bad := c.nodes[1].addr

	c.sourceTamper = func(from common.Address, act Action) Action {
		broadcast, ok := act.(*BroadcastRound2)
		if !ok || from != bad {
			return act
		}
		// the bad dealer corrupts every share fragment it sends
		packages := make(map[vss.Identifier][]byte, len(broadcast.Message.Packages))
		for id, ct := range broadcast.Message.Packages {
			flipped := make([]byte, len(ct))
			copy(flipped, ct)
			flipped[0] ^= 0xff
			packages[id] = flipped
		}
		return &BroadcastRound2{Message: &Round2{Session: broadcast.Message.Session, Packages: packages}}
	}

	c.start()
	c.pump()

	honest := []*testNode{c.nodes[0], c.nodes[2]}
	for _, n := range honest {
		require.Equal(t, StateCompleted, n.sm.State())
		require.NotNil(t, n.result)
		require.False(t, n.result.Failed())
		require.Equal(t, []common.Address{bad}, n.sm.Excluded())
	}

	// the survivors agree with each other on the second attempt
	require.Equal(t,
		honest[0].result.Completed.PublicKeyPackage.GroupPublicKey,
		honest[1].result.Completed.PublicKeyPackage.GroupPublicKey)

	// shares are indexed against the reduced validator list
	require.Equal(t, uint16(1), honest[0].result.Completed.Share.ValidatorIndex)
	require.Equal(t, uint16(2), honest[1].result.Completed.Share.ValidatorIndex)

	// the bad dealer saw nothing wrong with its own inbound shares and
	// finalized the first attempt alone
	require.Equal(t, StateCompleted, c.nodes[1].sm.State())
	require.NotEqual(t,
		honest[0].result.Completed.PublicKeyPackage.GroupPublicKey,
		c.nodes[1].result.Completed.PublicKeyPackage.GroupPublicKey)
}

func TestTransitTamperIsJustifiedAway(t *testing.T) {
	c := newCluster(t, 3, 2)
	accused := c.nodes[1]
	victim := c.nodes[2]

	victimID, err := vss.DeriveIdentifier(victim.addr)
	require.NoError(t, err)

	c.transitTamper = func(from common.Address, to *testNode, ev Event) Event {
		round2, ok := ev.(*Round2Event)
		if !ok || from != accused.addr || to != victim {
			return ev
		}
		// corrupt the accused's fragment for the victim on this link only
		return &Round2Event{From: from, Message: tamperPackage(round2.Message, victimID)}
	}

	c.start()
	c.pump()
	require.Empty(t, c.errs)

	// bystanders finalize; the victim holds a culprit report nobody confirms
	require.Equal(t, StateCompleted, c.nodes[0].sm.State())
	require.Equal(t, StateCompleted, accused.sm.State())
	require.Equal(t, StateCulpritsPending, victim.sm.State())

	snap := victim.sm.Snapshot()
	require.Len(t, snap.Complaints, 1)
	require.Equal(t, accused.addr, snap.Complaints[0].Offender)

	// the accused answers the complaint it received with its honest share
	justification, err := accused.sm.Justification(victim.addr)
	require.NoError(t, err)

	acts, err := victim.sm.ProcessEvent(&JustificationEvent{From: accused.addr, Message: justification})
	require.NoError(t, err)
	require.Empty(t, acts)

	snap = victim.sm.Snapshot()
	require.Empty(t, snap.Complaints)
	require.Len(t, snap.Justifications, 1)
	require.Equal(t, StateCulpritsPending, victim.sm.State())
	require.Empty(t, victim.sm.Excluded())

	// with nothing confirmed, the victim's session dies by timeout
	warpClock(victim, 21*time.Second)
	acts, err = victim.sm.ProcessEvent(&TimeoutEvent{})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	complete, ok := acts[0].(*Complete)
	require.True(t, ok)
	require.Equal(t, "Round2 culprits timeout", complete.Result.Reason)
	require.Equal(t, StateFailed, victim.sm.State())
}

func TestInvalidJustificationExcludesOffender(t *testing.T) {
	c := newCluster(t, 3, 2)
	c.start()

	// deliver round 1 only, leaving every node in Round2Pending
	round1 := c.queue
	c.queue = nil
	for _, item := range round1 {
		broadcast, ok := item.act.(*BroadcastRound1)
		require.True(t, ok)
		for _, n := range c.nodes {
			if n.addr == item.from {
				continue
			}
			_, err := n.sm.ProcessEvent(&Round1Event{From: item.from, Message: broadcast.Message})
			require.NoError(t, err)
		}
	}

	observer := c.nodes[0]
	offender := c.nodes[1].addr
	complainer := c.nodes[2].addr
	require.Equal(t, StateRound2Pending, observer.sm.State())

	_, err := observer.sm.ProcessEvent(&ComplaintEvent{From: complainer, Message: &Complaint{
		Session:    testSession(),
		Complainer: complainer,
		Offender:   offender,
		Reason:     "round2_invalid_share",
	}})
	require.NoError(t, err)

	// a spoofed justification is dropped without effect
	acts, err := observer.sm.ProcessEvent(&JustificationEvent{From: complainer, Message: &Justification{
		Session:    testSession(),
		Complainer: complainer,
		Offender:   offender,
		Share:      []byte{0x01},
	}})
	require.NoError(t, err)
	require.Empty(t, acts)
	require.Empty(t, observer.sm.Excluded())

	// a failing justification from the offender triggers the restart
	acts, err = observer.sm.ProcessEvent(&JustificationEvent{From: offender, Message: &Justification{
		Session:    testSession(),
		Complainer: complainer,
		Offender:   offender,
		Share:      []byte{0x01, 0x02},
	}})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	_, ok := acts[0].(*BroadcastRound1)
	require.True(t, ok)
	require.Equal(t, StateRound1Pending, observer.sm.State())
	require.Equal(t, []common.Address{offender}, observer.sm.Excluded())
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newCluster(t, 3, 2)
	c.start()
	c.pump()

	snap := c.nodes[0].sm.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded SessionState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, snap.State, decoded.State)
	require.Equal(t, snap.Era, decoded.Era)
	require.Equal(t, snap.Completed, decoded.Completed)
	require.Len(t, decoded.Identifiers, len(snap.Identifiers))
	require.Len(t, decoded.Round1, len(snap.Round1))
	require.Len(t, decoded.Round2, len(snap.Round2))
}
