package peerwire

import (
	"bytes"
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// handshakeLen is 1 + len(protocolName) + 8 reserved + 20 info hash +
// 20 peer id.
const handshakeLen = 49 + len(protocolName)

// Handshake is the fixed-format greeting exchanged right after connecting.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// Marshal returns the wire form of the handshake.
func (h *Handshake) Marshal() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a peer's greeting.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return nil, err
	}
	if int(pstrlen[0]) != len(protocolName) {
		return nil, fmt.Errorf("bad protocol name length %d: %w", pstrlen[0], ErrProtocol)
	}
	buf := make([]byte, handshakeLen-1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[:len(protocolName)], []byte(protocolName)) {
		return nil, fmt.Errorf("bad protocol name %q: %w", buf[:len(protocolName)], ErrProtocol)
	}
	h := &Handshake{}
	rest := buf[len(protocolName):]
	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}
