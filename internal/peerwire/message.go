// Package peerwire implements the peer wire protocol: the handshake, the
// length-prefixed message stream and the per-connection session state
// machine.
package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol is wrapped by every error where the remote peer broke the
// wire contract. It is fatal for that connection only.
var ErrProtocol = errors.New("protocol violation")

// MessageID is the one-byte identifier following the length prefix.
type MessageID byte

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// maxMessageLength bounds the length prefix: one block of 16 KiB plus the
// piece header, rounded up generously. Anything larger is a framing fault.
const maxMessageLength = 256 * 1024

// Message is a single non-keep-alive wire message.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Request addresses one block on the wire: a piece index, a byte offset
// within the piece and a length.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// ReadMessage reads one length-prefixed message. A keep-alive (zero length)
// is returned as a nil Message with no error.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("message length %d exceeds limit: %w", length, ErrProtocol)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	msg := &Message{ID: MessageID(buf[0]), Payload: buf[1:]}
	if msg.ID > MsgCancel {
		return nil, fmt.Errorf("unknown message id %d: %w", buf[0], ErrProtocol)
	}
	return msg, nil
}

// WriteMessage writes msg with its length prefix; a nil msg writes a
// keep-alive.
func WriteMessage(w io.Writer, msg *Message) error {
	if msg == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	_, err := w.Write(buf)
	return err
}

// FormatRequest builds a request or cancel message for one block.
func FormatRequest(id MessageID, req Request) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(req.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(req.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(req.Length))
	return &Message{ID: id, Payload: payload}
}

// FormatHave builds a have message for one piece.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != MsgHave || len(msg.Payload) != 4 {
		return 0, fmt.Errorf("bad have payload of %d bytes: %w", len(msg.Payload), ErrProtocol)
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParsePiece extracts the block position and data from a piece message.
func ParsePiece(msg *Message) (index, begin int, data []byte, err error) {
	if msg.ID != MsgPiece || len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("bad piece payload of %d bytes: %w", len(msg.Payload), ErrProtocol)
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	return index, begin, msg.Payload[8:], nil
}

// ParseRequest extracts the block triple from a request or cancel message.
func ParseRequest(msg *Message) (Request, error) {
	if len(msg.Payload) != 12 {
		return Request{}, fmt.Errorf("bad request payload of %d bytes: %w", len(msg.Payload), ErrProtocol)
	}
	return Request{
		Index:  int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(msg.Payload[8:12])),
	}, nil
}
