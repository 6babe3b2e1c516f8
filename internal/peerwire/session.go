package peerwire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// State is the connection state of a session.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "errored"
	}
}

// Session is the per-connection state machine. It owns its connection and
// its view of the remote peer (availability, choke flags, in-flight
// requests); nothing outside the owning goroutine touches that state.
type Session struct {
	addr      string
	infoHash  [20]byte
	peerID    [20]byte
	remoteID  [20]byte
	numPieces int

	conn  net.Conn
	state State

	have           Bitfield
	chokedByPeer   bool
	interested     bool
	peerChokedByUs bool
	peerInterested bool

	inflight map[Request]time.Time
	lastRecv time.Time

	// pending holds the bytes of a partially received frame so a read
	// deadline firing mid-message never loses wire data.
	pending []byte

	log *zap.Logger
}

// NewSession returns a session in the Connecting state.
func NewSession(addr string, infoHash, peerID [20]byte, numPieces int, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		addr:           addr,
		infoHash:       infoHash,
		peerID:         peerID,
		numPieces:      numPieces,
		state:          StateConnecting,
		have:           NewBitfield(numPieces),
		chokedByPeer:   true,
		peerChokedByUs: true,
		inflight:       make(map[Request]time.Time),
		log:            log.With(zap.String("peer", addr)),
	}
}

// Addr returns the peer's network address.
func (s *Session) Addr() string { return s.addr }

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// Choked reports whether the remote peer is choking us.
func (s *Session) Choked() bool { return s.chokedByPeer }

// Has reports whether the peer advertises piece index.
func (s *Session) Has(index int) bool { return s.have.Has(index) }

// Availability returns the peer's advertised bitfield. The caller must not
// mutate it.
func (s *Session) Availability() Bitfield { return s.have }

// RemoteID returns the peer identifier received during the handshake.
func (s *Session) RemoteID() [20]byte { return s.remoteID }

// Connect establishes the transport. On failure the session is Errored;
// there is no retry at this layer.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	if s.state != StateConnecting {
		return fmt.Errorf("connect in state %s", s.state)
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		s.state = StateErrored
		return fmt.Errorf("dialing %s: %w", s.addr, err)
	}
	s.conn = conn
	s.state = StateHandshaking
	return nil
}

// Handshake exchanges greetings and, on success, sends our bitfield if it
// is nonempty. A mismatched info hash or malformed greeting errors the
// session.
func (s *Session) Handshake(timeout time.Duration, ours Bitfield) error {
	if s.state != StateHandshaking {
		return fmt.Errorf("handshake in state %s", s.state)
	}
	deadline := time.Now().Add(timeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return s.fail(err)
	}
	hs := Handshake{InfoHash: s.infoHash, PeerID: s.peerID}
	if _, err := s.conn.Write(hs.Marshal()); err != nil {
		return s.fail(fmt.Errorf("sending handshake: %w", err))
	}
	theirs, err := ReadHandshake(s.conn)
	if err != nil {
		return s.fail(fmt.Errorf("reading handshake: %w", err))
	}
	if theirs.InfoHash != s.infoHash {
		return s.fail(fmt.Errorf("info hash mismatch: %w", ErrProtocol))
	}
	s.remoteID = theirs.PeerID
	s.state = StateReady
	s.lastRecv = time.Now()
	s.log.Debug("handshake complete", zap.String("remote_id", fmt.Sprintf("%x", theirs.PeerID)))

	if !ours.Empty() {
		if err := s.send(&Message{ID: MsgBitfield, Payload: ours}); err != nil {
			return err
		}
	}
	return nil
}

// Receive reads one message, applies any session-local effect (choke
// flags, availability) and returns it. A keep-alive returns (nil, nil). A
// read timeout leaves the session Ready so the caller can keep
// scheduling; bytes of a partially received message are kept and the
// next call resumes the same frame. Any other failure errors the
// session.
func (s *Session) Receive(timeout time.Duration) (*Message, error) {
	if s.state != StateReady {
		return nil, fmt.Errorf("receive in state %s", s.state)
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, s.fail(err)
	}
	msg, err := s.readFrame()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, err
		}
		return nil, s.fail(err)
	}
	s.lastRecv = time.Now()
	if msg == nil {
		return nil, nil // keep-alive
	}
	if err := s.apply(msg); err != nil {
		return nil, s.fail(err)
	}
	return msg, nil
}

// readFrame reads one length-prefixed frame, resuming from s.pending. A
// timeout returns with the partial frame preserved; framing faults wrap
// ErrProtocol.
func (s *Session) readFrame() (*Message, error) {
	if err := s.fill(4); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(s.pending[:4])
	if length == 0 {
		s.pending = s.pending[:0]
		return nil, nil // keep-alive
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("message length %d exceeds limit: %w", length, ErrProtocol)
	}
	if err := s.fill(4 + int(length)); err != nil {
		return nil, err
	}
	id := MessageID(s.pending[4])
	payload := append([]byte(nil), s.pending[5:4+length]...)
	s.pending = s.pending[:0]
	if id > MsgCancel {
		return nil, fmt.Errorf("unknown message id %d: %w", byte(id), ErrProtocol)
	}
	return &Message{ID: id, Payload: payload}, nil
}

// fill reads until s.pending holds at least n bytes, keeping whatever
// arrived if the read fails.
func (s *Session) fill(n int) error {
	for len(s.pending) < n {
		buf := make([]byte, n-len(s.pending))
		read, err := s.conn.Read(buf)
		s.pending = append(s.pending, buf[:read]...)
		if err != nil {
			return err
		}
	}
	return nil
}

// apply updates the session's view of the peer. It never touches global
// download state; that is the caller's job.
func (s *Session) apply(msg *Message) error {
	switch msg.ID {
	case MsgChoke:
		s.chokedByPeer = true
	case MsgUnchoke:
		s.chokedByPeer = false
	case MsgInterested:
		s.peerInterested = true
	case MsgNotInterested:
		s.peerInterested = false
	case MsgHave:
		index, err := ParseHave(msg)
		if err != nil {
			return err
		}
		if index < 0 || index >= s.numPieces {
			return fmt.Errorf("have index %d out of range: %w", index, ErrProtocol)
		}
		s.have.Set(index)
	case MsgBitfield:
		if len(msg.Payload) != len(s.have) {
			return fmt.Errorf("bitfield of %d bytes, want %d: %w", len(msg.Payload), len(s.have), ErrProtocol)
		}
		copy(s.have, msg.Payload)
	case MsgPiece:
		index, begin, data, err := ParsePiece(msg)
		if err != nil {
			return err
		}
		s.Untrack(Request{Index: index, Begin: begin, Length: len(data)})
	case MsgRequest, MsgCancel:
		// Peers are never unchoked by us, so uploads are not served.
		s.log.Debug("ignoring upload traffic", zap.Stringer("id", msg.ID))
	}
	return nil
}

// SendInterested tells the peer we want blocks from it.
func (s *Session) SendInterested() error {
	if s.interested {
		return nil
	}
	if err := s.send(&Message{ID: MsgInterested}); err != nil {
		return err
	}
	s.interested = true
	return nil
}

// SendRequest asks for one block and starts tracking it.
func (s *Session) SendRequest(req Request) error {
	if err := s.send(FormatRequest(MsgRequest, req)); err != nil {
		return err
	}
	s.inflight[req] = time.Now()
	return nil
}

// SendCancel withdraws an outstanding request.
func (s *Session) SendCancel(req Request) error {
	s.Untrack(req)
	return s.send(FormatRequest(MsgCancel, req))
}

// SendHave announces a newly completed piece.
func (s *Session) SendHave(index int) error {
	return s.send(FormatHave(index))
}

// SendKeepAlive sends the zero-length message.
func (s *Session) SendKeepAlive() error {
	return s.send(nil)
}

func (s *Session) send(msg *Message) error {
	if s.state != StateReady {
		return fmt.Errorf("send in state %s", s.state)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return s.fail(err)
	}
	if err := WriteMessage(s.conn, msg); err != nil {
		return s.fail(fmt.Errorf("writing message: %w", err))
	}
	return nil
}

// Track records an in-flight request without sending (used in tests).
func (s *Session) Track(req Request) { s.inflight[req] = time.Now() }

// Untrack drops a request from the in-flight set.
func (s *Session) Untrack(req Request) { delete(s.inflight, req) }

// InflightCount returns the number of outstanding requests.
func (s *Session) InflightCount() int { return len(s.inflight) }

// Inflight returns the outstanding requests in no particular order.
func (s *Session) Inflight() []Request {
	out := make([]Request, 0, len(s.inflight))
	for req := range s.inflight {
		out = append(out, req)
	}
	return out
}

// Expired returns outstanding requests older than timeout and stops
// tracking them.
func (s *Session) Expired(timeout time.Duration) []Request {
	var out []Request
	now := time.Now()
	for req, at := range s.inflight {
		if now.Sub(at) > timeout {
			out = append(out, req)
			delete(s.inflight, req)
		}
	}
	return out
}

// ClearInflight drops all outstanding requests and returns them.
func (s *Session) ClearInflight() []Request {
	out := s.Inflight()
	s.inflight = make(map[Request]time.Time)
	return out
}

// IdleFor returns how long ago the last traffic from the peer arrived.
func (s *Session) IdleFor() time.Duration {
	if s.lastRecv.IsZero() {
		return 0
	}
	return time.Since(s.lastRecv)
}

// Close moves the session to Closed and releases the connection. It is
// safe to call in any state.
func (s *Session) Close() error {
	if s.state == StateClosed || s.state == StateErrored {
		return nil
	}
	s.state = StateClosed
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.state = StateErrored
	if s.conn != nil {
		s.conn.Close()
	}
	return err
}
