package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fourValidators(t *testing.T) ([]PubKeyBytes, PubKeyBytes) {
	t.Helper()
	vs := make([]PubKeyBytes, 4)
	for i := range vs {
		_, pk := GenerateKeypair()
		vs[i] = pk
	}
	return vs, vs[0]
}

func TestNewStateComputesQuorum(t *testing.T) {
	cases := []struct {
		n      int
		quorum int
	}{
		{1, 1},
		{3, 3},
		{4, 3},
		{7, 5},
	}
	for _, c := range cases {
		vs := make([]PubKeyBytes, c.n)
		for i := range vs {
			_, pk := GenerateKeypair()
			vs[i] = pk
		}
		s, err := NewState(vs, vs[0])
		require.NoError(t, err)
		assert.Equal(t, c.quorum, s.Quorum, "n=%d", c.n)
	}
}

func TestNewStateRejectsSelfNotInValidatorSet(t *testing.T) {
	vs, _ := fourValidators(t)
	_, outsider := GenerateKeypair()
	_, err := NewState(vs, outsider)
	assert.Error(t, err)
}

func TestNewStateRejectsDuplicateValidator(t *testing.T) {
	vs, self := fourValidators(t)
	vs = append(vs, vs[1])
	_, err := NewState(vs, self)
	assert.Error(t, err)
}

func TestLeaderRoundRobin(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	for round := uint32(0); round < 8; round++ {
		assert.Equal(t, vs[(s.Height+uint64(round))%4], s.Leader(round))
	}
}

// TestAddPrevoteDedup covers the double-vote invariant: a second prevote
// from a validator that already voted for this (round, hash) is rejected
// and never counted twice toward quorum.
func TestAddPrevoteDedup(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	hash := Hash{1}
	assert.False(t, s.AddPrevote(0, hash, vs[0]), "first vote of 4 should not yet hit quorum 3")
	assert.False(t, s.AddPrevote(0, hash, vs[1]), "second vote of 4 should not yet hit quorum 3")
	assert.False(t, s.AddPrevote(0, hash, vs[0]), "replaying validator 0's vote must not be counted again")
	assert.True(t, s.AddPrevote(0, hash, vs[2]), "third distinct voter should cross quorum 3")
	assert.False(t, s.AddPrevote(0, hash, vs[3]), "quorum already hit once; a later vote reports no further transition")
	assert.False(t, s.AddPrevote(0, hash, vs[0]), "duplicate after quorum is still rejected, not re-counted")
}

// TestAddPrecommitDedup is the precommit-side mirror of the same
// double-vote invariant.
func TestAddPrecommitDedup(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	hash := Hash{2}
	assert.False(t, s.AddPrecommit(0, hash, vs[0]))
	assert.False(t, s.AddPrecommit(0, hash, vs[0]), "duplicate precommit must not be counted twice")
	assert.False(t, s.AddPrecommit(0, hash, vs[1]))
	assert.True(t, s.AddPrecommit(0, hash, vs[2]), "third distinct precommitter crosses quorum")
}

func TestSetLockRoundMonotonic(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	require.Nil(t, s.LockRound)

	s.SetLockRound(2)
	require.NotNil(t, s.LockRound)
	assert.EqualValues(t, 2, *s.LockRound)

	s.SetLockRound(1)
	assert.EqualValues(t, 2, *s.LockRound, "lock_round must never decrease within a height")

	s.SetLockRound(5)
	assert.EqualValues(t, 5, *s.LockRound)
}

func TestNewHeightResetsRoundAndLock(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	s.Round = 3
	s.SetLockRound(3)
	hash := Hash{3}
	s.proposals[roundHashKey{round: 3, hash: hash}] = newProposalEntry()

	s.NewHeight(hash)

	assert.EqualValues(t, 1, s.Height)
	assert.EqualValues(t, 0, s.Round)
	assert.Nil(t, s.LockRound)
	assert.Equal(t, hash, s.PrevHash)
	assert.Empty(t, s.proposals, "the proposal table must not carry over across a height transition")
}

// TestQueueAndDrainMatured covers future-height queueing: a message for a
// height beyond the current target is held until NewHeight advances the
// target to match it, at which point it drains in arrival order and
// anything still further out stays queued.
func TestQueueAndDrainMatured(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	require.EqualValues(t, 0, s.Height)

	now := &Envelope{Type: MsgPrevote, Vote: &Vote{Height: 1}}
	next := &Envelope{Type: MsgPrevote, Vote: &Vote{Height: 2}}
	farFuture := &Envelope{Type: MsgPrevote, Vote: &Vote{Height: 3}}

	s.Queue(now, 1)
	s.Queue(farFuture, 3)
	s.Queue(next, 2)

	drained := s.NewHeight(Hash{9})
	require.Len(t, drained, 1, "only the message matching the new target height (1) should drain")
	assert.Same(t, now, drained[0].envelope)

	drained = s.NewHeight(Hash{10})
	require.Len(t, drained, 1, "advancing again should now drain the height-2 message")
	assert.Same(t, next, drained[0].envelope)

	drained = s.NewHeight(Hash{11})
	require.Len(t, drained, 1, "the last queued message matures once height reaches 3")
	assert.Same(t, farFuture, drained[0].envelope)
}

// TestAddProposeDrainsMaturedAlongsideProposal covers that a matured
// future message can surface from AddPropose itself, not only from
// NewHeight — the handler this state backs drains on both.
func TestAddProposeDrainsMaturedAlongsideProposal(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	queued := &Envelope{Type: MsgPrevote, Vote: &Vote{Height: 1}}
	s.Queue(queued, 1)

	priv, pub := GenerateKeypair()
	p, err := SignPropose(priv, pub, 1, 0, 0, 0, s.PrevHash, nil)
	require.NoError(t, err)

	_, drained := s.AddPropose(0, p)
	require.Len(t, drained, 1)
	assert.Same(t, queued, drained[0].envelope)
}

func TestAddProposeIdempotent(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	priv, pub := GenerateKeypair()
	p, err := SignPropose(priv, pub, 1, 0, 0, 0, s.PrevHash, []byte("first"))
	require.NoError(t, err)
	hash, _ := s.AddPropose(0, p)

	other, err := SignPropose(priv, pub, 1, 0, 0, 0, s.PrevHash, []byte("first"))
	require.NoError(t, err)
	hash2, _ := s.AddPropose(0, other)
	assert.Equal(t, hash, hash2)

	stored, ok := s.Proposal(0, hash)
	require.True(t, ok)
	assert.Same(t, p, stored, "the first-seen proposal for a (round,hash) pair wins")
}

func TestAddPeerRejectsSelfAndDuplicates(t *testing.T) {
	vs, self := fourValidators(t)
	s, err := NewState(vs, self)
	require.NoError(t, err)

	assert.False(t, s.AddPeer(self, Addr{}), "self must never enter the peer table")

	addr := Addr{127, 0, 0, 1, 10, 0}
	assert.True(t, s.AddPeer(vs[1], addr))
	assert.False(t, s.AddPeer(vs[1], addr), "re-inserting an already-known peer is a no-op")

	got, ok := s.PeerAddr(vs[1])
	require.True(t, ok)
	assert.Equal(t, addr, got)
}
