package consensus

import "fmt"

// roundHashKey identifies a (round, proposal-hash) pair within the current
// height's proposal table.
type roundHashKey struct {
	round uint32
	hash  Hash
}

// proposalEntry is the proposal table's per-(round,hash) bookkeeping: the
// stored proposal (if seen) plus the sets of voter keys that have
// prevoted/precommitted for it.
type proposalEntry struct {
	proposal         *Propose
	prevoters        map[PubKeyBytes]bool
	precommitters    map[PubKeyBytes]bool
	prevoteQuorumHit bool
	precommitQuorum  bool
}

func newProposalEntry() *proposalEntry {
	return &proposalEntry{
		prevoters:     make(map[PubKeyBytes]bool),
		precommitters: make(map[PubKeyBytes]bool),
	}
}

// queuedMessage is a future-height message held until the node's height
// catches up to it.
type queuedMessage struct {
	height   uint64
	envelope *Envelope
}

// State is the per-height voting ledger: pure data plus queries, with no
// I/O of its own. It is owned exclusively by the Driver for its lifetime;
// read-only snapshots for external query surfaces are taken between event
// loop iterations, never concurrently with a handler.
type State struct {
	Validators []PubKeyBytes
	Self       PubKeyBytes
	Quorum     int

	Height   uint64 // committed height: the node has committed this many blocks
	Round    uint32
	PrevHash Hash
	LockRound *uint32 // nil == ⊥

	peers     map[PubKeyBytes]Addr
	proposals map[roundHashKey]*proposalEntry
	future    []queuedMessage
}

// NewState builds consensus state for a fixed validator set. self must be
// a member of validators.
func NewState(validators []PubKeyBytes, self PubKeyBytes) (*State, error) {
	n := len(validators)
	if n == 0 {
		return nil, fmt.Errorf("consensus: empty validator set")
	}
	found := false
	seen := make(map[PubKeyBytes]bool, n)
	for _, v := range validators {
		if seen[v] {
			return nil, fmt.Errorf("consensus: duplicate validator key %x", v)
		}
		seen[v] = true
		if v == self {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("consensus: self key not present in validator set")
	}

	return &State{
		Validators: validators,
		Self:       self,
		Quorum:     2*n/3 + 1,
		peers:      make(map[PubKeyBytes]Addr),
		proposals:  make(map[roundHashKey]*proposalEntry),
	}, nil
}

// AddPeer inserts a peer's address if absent. The self key is always
// rejected, keeping the peer table invariant that it never contains self.
func (s *State) AddPeer(key PubKeyBytes, addr Addr) bool {
	if key == s.Self {
		return false
	}
	if _, ok := s.peers[key]; ok {
		return false
	}
	s.peers[key] = addr
	return true
}

// PeerAddr looks up a known peer's last-advertised address.
func (s *State) PeerAddr(key PubKeyBytes) (Addr, bool) {
	a, ok := s.peers[key]
	return a, ok
}

// Leader returns the validator permitted to propose at the given round of
// the height currently being agreed on (h + round mod n, using the
// committed-height counter h).
func (s *State) Leader(round uint32) PubKeyBytes {
	n := uint64(len(s.Validators))
	idx := (s.Height + uint64(round)) % n
	return s.Validators[idx]
}

func (s *State) entry(round uint32, hash Hash) *proposalEntry {
	key := roundHashKey{round: round, hash: hash}
	e, ok := s.proposals[key]
	if !ok {
		e = newProposalEntry()
		s.proposals[key] = e
	}
	return e
}

// AddPropose stores a proposal, idempotently if the (round, hash) pair was
// already known, and returns its content hash plus any future-height
// messages that have now matured (height == current target). Draining
// here, not only on height transitions, matches the recursive
// drain-and-redispatch shape of the handler this state backs.
func (s *State) AddPropose(round uint32, p *Propose) (Hash, []queuedMessage) {
	hash := p.Hash()
	e := s.entry(round, hash)
	if e.proposal == nil {
		e.proposal = p
	}
	return hash, s.drainMatured()
}

// Proposal returns the stored proposal for (round, hash), if any.
func (s *State) Proposal(round uint32, hash Hash) (*Propose, bool) {
	e, ok := s.proposals[roundHashKey{round: round, hash: hash}]
	if !ok || e.proposal == nil {
		return nil, false
	}
	return e.proposal, true
}

// AddPrevote records a prevote and reports whether it just brought the
// (round, hash) tally to quorum for the first time.
func (s *State) AddPrevote(round uint32, hash Hash, voter PubKeyBytes) bool {
	e := s.entry(round, hash)
	if e.prevoters[voter] {
		return false // duplicate vote: counted at most once, silently rejected
	}
	e.prevoters[voter] = true
	if !e.prevoteQuorumHit && len(e.prevoters) >= s.Quorum {
		e.prevoteQuorumHit = true
		return true
	}
	return false
}

// AddPrecommit is the symmetric operation for precommits.
func (s *State) AddPrecommit(round uint32, hash Hash, voter PubKeyBytes) bool {
	e := s.entry(round, hash)
	if e.precommitters[voter] {
		return false
	}
	e.precommitters[voter] = true
	if !e.precommitQuorum && len(e.precommitters) >= s.Quorum {
		e.precommitQuorum = true
		return true
	}
	return false
}

// SetLockRound raises lock_round to r if r is higher than the current
// value (or the current value is ⊥). lock_round is non-decreasing within
// a height by construction.
func (s *State) SetLockRound(r uint32) {
	if s.LockRound == nil || r > *s.LockRound {
		v := r
		s.LockRound = &v
	}
}

// NewRound increments the round counter. lock_round is preserved.
func (s *State) NewRound() {
	s.Round++
}

// NewHeight advances to the next height: increments the committed-height
// counter, resets round/lock/proposal tables, records the committed
// hash as the new prev-hash, and returns the future-queue entries that
// have now matured.
func (s *State) NewHeight(committedHash Hash) []queuedMessage {
	s.Height++
	s.Round = 0
	s.LockRound = nil
	s.PrevHash = committedHash
	s.proposals = make(map[roundHashKey]*proposalEntry)
	return s.drainMatured()
}

// Queue appends a future-height message to the ordered future-message
// buffer.
func (s *State) Queue(env *Envelope, height uint64) {
	s.future = append(s.future, queuedMessage{height: height, envelope: env})
}

// drainMatured removes and returns, in arrival order, every queued
// message whose declared height equals the height currently being agreed
// on (h + 1).
func (s *State) drainMatured() []queuedMessage {
	if len(s.future) == 0 {
		return nil
	}
	target := s.Height + 1
	var matured []queuedMessage
	remaining := s.future[:0]
	for _, qm := range s.future {
		if qm.height == target {
			matured = append(matured, qm)
		} else {
			remaining = append(remaining, qm)
		}
	}
	s.future = remaining
	return matured
}
