// Package handshake classifies inbound datagrams as WireGuard
// handshake-initiation messages and, when a responder public key is
// configured, verifies their mac1 field.
//
// The classification here is deliberately shallow: it never decrypts
// traffic, never validates the initiator's ephemeral key, and never
// maintains WireGuard session state. It is the cheap syntactic gate that
// decides whether an unknown source is allowed to create a new flow, not
// an authentication mechanism.
package handshake

import (
	"container/list"
	"sync"

	"golang.org/x/crypto/blake2s"

	"wgproxy/internal/wireguard"
)

const (
	mac1Label = "mac1----"

	// defaultHistorySize bounds the replay guard's memory use to roughly
	// a few hundred KiB regardless of how long the process has run.
	defaultHistorySize = 4096
)

// Result is the outcome of classifying a single datagram.
type Result struct {
	// IsInitiation reports whether the datagram is exactly 148 bytes and
	// begins with message type 1 followed by three reserved zero bytes.
	// This alone is what admission control in the ingress dispatcher acts
	// on, per the core's syntactic-only admission rule.
	IsInitiation bool

	// MacMatched reports whether the mac1 field matched one of the
	// configured public keys. It is informational: a mismatch does not
	// cause IsInitiation to become false, and the dispatcher does not
	// gate admission on it.
	MacMatched bool

	// Retransmit reports whether MacMatched is true and this exact mac1
	// value was already seen by a previous call to [Validator.Classify].
	Retransmit bool
}

// Validator classifies datagrams against a fixed set of accepted server
// public keys. A Validator is safe for concurrent use.
type Validator struct {
	macKeys [][32]byte // precomputed BLAKE2s("mac1----" || pubkey) per accepted key

	mu      sync.Mutex
	history *macHistory
}

// New returns a Validator that accepts mac1 matches against any of the
// given public keys. pubKeys must be non-empty.
func New(pubKeys [][32]byte) *Validator {
	macKeys := make([][32]byte, len(pubKeys))
	for i, pk := range pubKeys {
		macKeys[i] = labelKey(pk)
	}
	return &Validator{
		macKeys: macKeys,
		history: newMacHistory(defaultHistorySize),
	}
}

// labelKey computes BLAKE2s-256("mac1----" || pubKey), the key used to
// compute mac1 for the given responder static public key.
func labelKey(pubKey [32]byte) [32]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		// blake2s.New256 only fails for an oversized key; nil is always valid.
		panic(err)
	}
	h.Write([]byte(mac1Label))
	h.Write(pubKey[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// mac1 computes the mac1 field for payload (the handshake-initiation's
// first 116 bytes) under the given label key.
func mac1(labelKey [32]byte, payload []byte) [16]byte {
	h, err := blake2s.New128(labelKey[:])
	if err != nil {
		panic(err)
	}
	h.Write(payload)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Classify inspects a single datagram payload. It has no side effects
// beyond the replay guard's bookkeeping, and never mutates payload.
func (v *Validator) Classify(payload []byte) Result {
	var r Result

	if len(payload) != wireguard.MessageLengthHandshakeInitiation {
		return r
	}
	if payload[0] != wireguard.MessageTypeHandshakeInitiation ||
		payload[1] != 0 || payload[2] != 0 || payload[3] != 0 {
		return r
	}
	r.IsInitiation = true

	macField := payload[wireguard.HandshakeInitiationMacOffset : wireguard.HandshakeInitiationMacOffset+wireguard.HandshakeInitiationMacLength]
	macPayload := payload[:wireguard.HandshakeInitiationMacPayloadLength]

	var matched [16]byte
	for _, lk := range v.macKeys {
		computed := mac1(lk, macPayload)
		if string(computed[:]) == string(macField) {
			r.MacMatched = true
			matched = computed
			break
		}
	}

	if r.MacMatched {
		v.mu.Lock()
		r.Retransmit = v.history.seen(matched)
		v.mu.Unlock()
	}

	return r
}

// macHistory is a fixed-capacity LRU set of mac1 values, used only to
// annotate retransmitted handshakes; it is never consulted for admission.
type macHistory struct {
	capacity int
	entries  map[[16]byte]*list.Element
	order    *list.List // front = most recently seen
}

func newMacHistory(capacity int) *macHistory {
	return &macHistory{
		capacity: capacity,
		entries:  make(map[[16]byte]*list.Element, capacity),
		order:    list.New(),
	}
}

// seen reports whether mac was already recorded, and records it.
func (h *macHistory) seen(mac [16]byte) bool {
	if el, ok := h.entries[mac]; ok {
		h.order.MoveToFront(el)
		return true
	}

	if h.order.Len() >= h.capacity {
		oldest := h.order.Back()
		if oldest != nil {
			h.order.Remove(oldest)
			delete(h.entries, oldest.Value.([16]byte))
		}
	}

	h.entries[mac] = h.order.PushFront(mac)
	return false
}
