package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	tmcrypto "github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// Canonical binary encoding with fixed field order. Every message is laid
// out as: type byte, version byte, type-specific body, 32-byte sender
// public key, 64-byte signature. All integers are little-endian. The
// signature covers every byte that precedes it on the wire, including the
// sender's declared public key — the narrower "type||version||payload"
// description elsewhere in the protocol notes is the same region once the
// public key is treated as part of the payload envelope, not a separate
// trailer.
var (
	errShortBuffer  = errors.New("consensus: buffer too short")
	errUnknownType  = errors.New("consensus: unknown message type")
	errTrailingData = errors.New("consensus: unexpected trailing bytes")
)

func sha256Sum(b []byte) Hash {
	return sha256.Sum256(b)
}

func encodeProposeBody(height uint64, round uint32, timeSec int64, timeNsec uint32, prevHash Hash, payloadRef []byte) []byte {
	buf := make([]byte, 0, 8+4+8+4+32+len(payloadRef))
	buf = appendU64(buf, height)
	buf = appendU32(buf, round)
	buf = appendI64(buf, timeSec)
	buf = appendU32(buf, timeNsec)
	buf = append(buf, prevHash[:]...)
	buf = append(buf, payloadRef...)
	return buf
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI64(b []byte, v int64) []byte {
	return appendU64(b, uint64(v))
}

// GenerateKeypair produces a fresh Ed25519 validator identity.
func GenerateKeypair() (ed25519.PrivKey, PubKeyBytes) {
	priv := ed25519.GenPrivKey()
	var pk PubKeyBytes
	copy(pk[:], priv.PubKey().Bytes())
	return priv, pk
}

func signableRegion(msgType MessageType, body, pubKey []byte) []byte {
	buf := make([]byte, 0, 2+len(body)+len(pubKey))
	buf = append(buf, byte(msgType), ProtocolVersion)
	buf = append(buf, body...)
	buf = append(buf, pubKey...)
	return buf
}

func sign(priv ed25519.PrivKey, msgType MessageType, body []byte, pubKey PubKeyBytes) (SigBytes, error) {
	sig, err := priv.Sign(signableRegion(msgType, body, pubKey[:]))
	if err != nil {
		return SigBytes{}, fmt.Errorf("consensus: sign: %w", err)
	}
	var out SigBytes
	copy(out[:], sig)
	return out, nil
}

func verify(msgType MessageType, body []byte, pubKey PubKeyBytes, sig SigBytes) bool {
	pk := tmcrypto.PubKey(ed25519.PubKey(pubKey[:]))
	return pk.VerifySignature(signableRegion(msgType, body, pubKey[:]), sig[:])
}

// VerifyEnvelope recomputes the signable region for the enclosed message
// and checks the signature against its declared public key.
func VerifyEnvelope(e *Envelope) bool {
	switch e.Type {
	case MsgConnect:
		c := e.Connect
		body := encodeConnectBody(c.ListenAddr, c.TimeSec, c.TimeNsec)
		return verify(MsgConnect, body, c.PubKey, c.Signature)
	case MsgPropose:
		p := e.Propose
		body := encodeProposeBody(p.Height, p.Round, p.TimeSec, p.TimeNsec, p.PrevHash, p.PayloadRef)
		return verify(MsgPropose, body, p.PubKey, p.Signature)
	case MsgPrevote, MsgPrecommit:
		v := e.Vote
		body := encodeVoteBody(v.Height, v.Round, v.ProposalHash)
		return verify(e.Type, body, v.PubKey, v.Signature)
	default:
		return false
	}
}

func encodeConnectBody(addr Addr, timeSec int64, timeNsec uint32) []byte {
	buf := make([]byte, 0, 6+8+4)
	buf = append(buf, addr[:]...)
	buf = appendI64(buf, timeSec)
	buf = appendU32(buf, timeNsec)
	return buf
}

func encodeVoteBody(height uint64, round uint32, hash Hash) []byte {
	buf := make([]byte, 0, 8+4+32)
	buf = appendU64(buf, height)
	buf = appendU32(buf, round)
	buf = append(buf, hash[:]...)
	return buf
}

// SignConnect produces a signed Connect message advertising listenAddr.
func SignConnect(priv ed25519.PrivKey, pubKey PubKeyBytes, listenAddr Addr, timeSec int64, timeNsec uint32) (*Connect, error) {
	body := encodeConnectBody(listenAddr, timeSec, timeNsec)
	sig, err := sign(priv, MsgConnect, body, pubKey)
	if err != nil {
		return nil, err
	}
	return &Connect{ListenAddr: listenAddr, TimeSec: timeSec, TimeNsec: timeNsec, PubKey: pubKey, Signature: sig}, nil
}

// SignPropose produces a signed Propose message.
func SignPropose(priv ed25519.PrivKey, pubKey PubKeyBytes, height uint64, round uint32, timeSec int64, timeNsec uint32, prevHash Hash, payloadRef []byte) (*Propose, error) {
	body := encodeProposeBody(height, round, timeSec, timeNsec, prevHash, payloadRef)
	sig, err := sign(priv, MsgPropose, body, pubKey)
	if err != nil {
		return nil, err
	}
	return &Propose{
		Height: height, Round: round, TimeSec: timeSec, TimeNsec: timeNsec,
		PrevHash: prevHash, PayloadRef: payloadRef, PubKey: pubKey, Signature: sig,
	}, nil
}

// SignVote produces a signed Prevote or Precommit, selected by msgType.
func SignVote(priv ed25519.PrivKey, pubKey PubKeyBytes, msgType MessageType, height uint64, round uint32, proposalHash Hash) (*Vote, error) {
	if msgType != MsgPrevote && msgType != MsgPrecommit {
		return nil, errUnknownType
	}
	body := encodeVoteBody(height, round, proposalHash)
	sig, err := sign(priv, msgType, body, pubKey)
	if err != nil {
		return nil, err
	}
	return &Vote{Height: height, Round: round, ProposalHash: proposalHash, PubKey: pubKey, Signature: sig}, nil
}

// Encode serializes an envelope's message to its full wire representation
// (type, version, body, public key, signature). It does not add the
// length-prefix frame; that is the transport's responsibility.
func Encode(e *Envelope) ([]byte, error) {
	switch e.Type {
	case MsgConnect:
		c := e.Connect
		buf := []byte{byte(MsgConnect), ProtocolVersion}
		buf = append(buf, encodeConnectBody(c.ListenAddr, c.TimeSec, c.TimeNsec)...)
		buf = append(buf, c.PubKey[:]...)
		buf = append(buf, c.Signature[:]...)
		return buf, nil
	case MsgPropose:
		p := e.Propose
		buf := []byte{byte(MsgPropose), ProtocolVersion}
		buf = append(buf, encodeProposeBody(p.Height, p.Round, p.TimeSec, p.TimeNsec, p.PrevHash, p.PayloadRef)...)
		buf = append(buf, p.PubKey[:]...)
		buf = append(buf, p.Signature[:]...)
		return buf, nil
	case MsgPrevote, MsgPrecommit:
		v := e.Vote
		buf := []byte{byte(e.Type), ProtocolVersion}
		buf = append(buf, encodeVoteBody(v.Height, v.Round, v.ProposalHash)...)
		buf = append(buf, v.PubKey[:]...)
		buf = append(buf, v.Signature[:]...)
		return buf, nil
	default:
		return nil, errUnknownType
	}
}

// Decode parses a full wire message (without its length prefix) into an
// Envelope. Unknown trailing bytes are a decode error.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, errShortBuffer
	}
	msgType := MessageType(data[0])
	// version byte is currently unused beyond presence; future versions
	// would branch here.
	rest := data[2:]

	const pubKeyLen, sigLen = 32, 64

	switch msgType {
	case MsgConnect:
		const bodyLen = 6 + 8 + 4
		if len(rest) != bodyLen+pubKeyLen+sigLen {
			return nil, errTrailingData
		}
		var addr Addr
		copy(addr[:], rest[:6])
		timeSec := int64(binary.LittleEndian.Uint64(rest[6:14]))
		timeNsec := binary.LittleEndian.Uint32(rest[14:18])
		var pk PubKeyBytes
		copy(pk[:], rest[bodyLen:bodyLen+pubKeyLen])
		var sig SigBytes
		copy(sig[:], rest[bodyLen+pubKeyLen:])
		return &Envelope{Type: MsgConnect, Connect: &Connect{
			ListenAddr: addr, TimeSec: timeSec, TimeNsec: timeNsec, PubKey: pk, Signature: sig,
		}}, nil

	case MsgPropose:
		const fixedLen = 8 + 4 + 8 + 4 + 32
		if len(rest) < fixedLen+pubKeyLen+sigLen {
			return nil, errShortBuffer
		}
		height := binary.LittleEndian.Uint64(rest[0:8])
		round := binary.LittleEndian.Uint32(rest[8:12])
		timeSec := int64(binary.LittleEndian.Uint64(rest[12:20]))
		timeNsec := binary.LittleEndian.Uint32(rest[20:24])
		var prevHash Hash
		copy(prevHash[:], rest[24:56])
		payloadEnd := len(rest) - pubKeyLen - sigLen
		payloadRef := append([]byte{}, rest[fixedLen:payloadEnd]...)
		var pk PubKeyBytes
		copy(pk[:], rest[payloadEnd:payloadEnd+pubKeyLen])
		var sig SigBytes
		copy(sig[:], rest[payloadEnd+pubKeyLen:])
		return &Envelope{Type: MsgPropose, Propose: &Propose{
			Height: height, Round: round, TimeSec: timeSec, TimeNsec: timeNsec,
			PrevHash: prevHash, PayloadRef: payloadRef, PubKey: pk, Signature: sig,
		}}, nil

	case MsgPrevote, MsgPrecommit:
		const bodyLen = 8 + 4 + 32
		if len(rest) != bodyLen+pubKeyLen+sigLen {
			return nil, errTrailingData
		}
		height := binary.LittleEndian.Uint64(rest[0:8])
		round := binary.LittleEndian.Uint32(rest[8:12])
		var hash Hash
		copy(hash[:], rest[12:44])
		var pk PubKeyBytes
		copy(pk[:], rest[bodyLen:bodyLen+pubKeyLen])
		var sig SigBytes
		copy(sig[:], rest[bodyLen+pubKeyLen:])
		return &Envelope{Type: msgType, Vote: &Vote{
			Height: height, Round: round, ProposalHash: hash, PubKey: pk, Signature: sig,
		}}, nil

	default:
		return nil, errUnknownType
	}
}
