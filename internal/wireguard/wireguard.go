// Package wireguard provides constants related to the WireGuard protocol's
// wire framing, to the extent wgproxy needs them to classify datagrams.
package wireguard

const (
	MessageTypeHandshakeInitiation  = 1
	MessageTypeHandshakeResponse    = 2
	MessageTypeHandshakeCookieReply = 3
	MessageTypeData                 = 4

	MessageLengthHandshakeInitiation  = 148
	MessageLengthHandshakeResponse    = 92
	MessageLengthHandshakeCookieReply = 64

	// HandshakeInitiationMacPayloadLength is the number of leading bytes of a
	// handshake-initiation message that mac1 is computed over.
	HandshakeInitiationMacPayloadLength = 116

	// HandshakeInitiationMacOffset is the offset of the mac1 field within a
	// handshake-initiation message.
	HandshakeInitiationMacOffset = 116

	// HandshakeInitiationMacLength is the length in bytes of the mac1 field.
	HandshakeInitiationMacLength = 16
)
