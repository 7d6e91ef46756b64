package consensus

import (
	"fmt"
	"net"
	"strconv"
)

// MessageType identifies one of the six protocol messages on the wire.
type MessageType byte

const (
	MsgConnect        MessageType = 0
	MsgPropose        MessageType = 1
	MsgPrevote        MessageType = 2
	MsgPrecommit      MessageType = 3
	MsgCommitReserved MessageType = 4 // reserved, never emitted
)

func (t MessageType) String() string {
	switch t {
	case MsgConnect:
		return "Connect"
	case MsgPropose:
		return "Propose"
	case MsgPrevote:
		return "Prevote"
	case MsgPrecommit:
		return "Precommit"
	case MsgCommitReserved:
		return "Commit"
	default:
		return "Unknown"
	}
}

// ProtocolVersion is the single supported wire version byte.
const ProtocolVersion byte = 1

// PubKeyBytes is a raw Ed25519 public key as carried on the wire.
type PubKeyBytes [32]byte

// SigBytes is a raw Ed25519 signature as carried on the wire.
type SigBytes [64]byte

// Hash is a content hash (SHA-256) used for proposal identity and
// chain linkage.
type Hash [32]byte

// Addr is a 4-byte IPv4 address plus a 2-byte port, matching the wire's
// 6-byte socket-address encoding.
type Addr [6]byte

func (a Addr) IP() [4]byte {
	var ip [4]byte
	copy(ip[:], a[:4])
	return ip
}

func (a Addr) Port() uint16 {
	return uint16(a[4]) | uint16(a[5])<<8
}

func (a Addr) String() string {
	ip := a.IP()
	return fmt.Sprintf("%d.%d.%d.%d:%d", ip[0], ip[1], ip[2], ip[3], a.Port())
}

// ParseAddr parses a "host:port" string (IPv4 only, matching the wire's
// 6-byte socket-address encoding) into an Addr.
func ParseAddr(hostport string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("consensus: parse addr %q: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, fmt.Errorf("consensus: invalid IP %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Addr{}, fmt.Errorf("consensus: only IPv4 addresses are supported, got %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("consensus: invalid port %q: %w", portStr, err)
	}
	var a Addr
	copy(a[:4], ip4)
	a[4] = byte(port)
	a[5] = byte(port >> 8)
	return a, nil
}

// Connect is a peer handshake: the sender's listen address and a fresh
// timestamp, signed by the sender.
type Connect struct {
	ListenAddr Addr
	TimeSec    int64
	TimeNsec   uint32
	PubKey     PubKeyBytes
	Signature  SigBytes
}

// Propose is a message from the round leader: height, round, timestamp,
// previous-block-hash, and a reference to the payload stored off-chain.
type Propose struct {
	Height     uint64
	Round      uint32
	TimeSec    int64
	TimeNsec   uint32
	PrevHash   Hash
	PayloadRef []byte
	PubKey     PubKeyBytes
	Signature  SigBytes
}

// Hash returns the content hash of the proposal's canonical body (not
// including the sender's public key or signature), used as the vote
// target. Identical (height, round, prev-hash, payload-ref) always yields
// the same hash regardless of who signed it.
func (p *Propose) Hash() Hash {
	return sha256Sum(encodeProposeBody(p.Height, p.Round, p.TimeSec, p.TimeNsec, p.PrevHash, p.PayloadRef))
}

// Vote is a signed assertion over (height, round, proposal-hash). The
// surrounding Envelope's MessageType (Prevote or Precommit) distinguishes
// the two phases; the wire shape is identical, matching how Precommit
// embeds Prevote in the reference implementation this is modeled on.
type Vote struct {
	Height       uint64
	Round        uint32
	ProposalHash Hash
	PubKey       PubKeyBytes
	Signature    SigBytes
}

// Envelope is the in-process representation of a decoded wire message. A
// message that has already passed signature verification once (for
// example a self-dispatched vote, or a future-message drained from the
// queue where verification happened at enqueue time) carries
// Validated = true so the Driver skips re-checking it.
type Envelope struct {
	Type      MessageType
	Connect   *Connect
	Propose   *Propose
	Vote      *Vote
	Validated bool
}

// SenderKey returns the public key that signed the enclosed message.
func (e *Envelope) SenderKey() PubKeyBytes {
	switch e.Type {
	case MsgConnect:
		return e.Connect.PubKey
	case MsgPropose:
		return e.Propose.PubKey
	default:
		return e.Vote.PubKey
	}
}

// DeclaredHeight returns the height named in the message, or 0 for
// Connect (which carries no height).
func (e *Envelope) DeclaredHeight() uint64 {
	switch e.Type {
	case MsgPropose:
		return e.Propose.Height
	case MsgPrevote, MsgPrecommit:
		return e.Vote.Height
	default:
		return 0
	}
}
