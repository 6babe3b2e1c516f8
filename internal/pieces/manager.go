// Package pieces tracks piece and block completion for one torrent: it
// hands out block assignments (rarest piece first), absorbs received
// blocks, verifies completed pieces and forwards them to storage.
package pieces

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
)

// DefaultBlockSize is the request granularity used by practically every
// client.
const DefaultBlockSize = 16 * 1024

// defaultEndgame is the number of remaining incomplete pieces below which
// requested blocks may be duplicated to a second peer.
const defaultEndgame = 5

// maxHolders caps how many peers may hold the same block during endgame.
const maxHolders = 2

// BlockState is the lifecycle of one block within a piece.
type BlockState uint8

const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockReceived
)

// Assignment names one block request issued to one peer.
type Assignment struct {
	Peer   string
	Index  int
	Begin  int
	Length int
}

type block struct {
	begin   int
	length  int
	state   BlockState
	holders []string // peers with this block in flight; >1 only in endgame
	by      string   // peer that supplied the data, for reputation on mismatch
}

type piece struct {
	length   int
	hash     metainfo.Hash
	blocks   []block
	buf      []byte
	received int
	complete  bool
	verifying bool
}

// Manager is the single shared, lock-guarded piece/block table. All
// mutation goes through its methods; sessions never share state directly.
type Manager struct {
	mu       sync.Mutex
	info     *metainfo.Info
	storage  io.WriterAt
	pieces   []piece
	avail    map[string]peerwire.Bitfield // per-peer advertised availability
	counts   []int                        // per-piece count of advertising peers
	completed peerwire.Bitfield
	remaining int
	blockSize int
	endgame   int
	badPeers  map[string]int
	doneCh    chan struct{}
	log       *zap.Logger
}

// NewManager builds the piece table from the descriptor. Every verified
// piece is written to storage exactly once, at offset index*pieceLength.
func NewManager(info *metainfo.Info, storage io.WriterAt, log *zap.Logger) *Manager {
	return newManager(info, storage, log, DefaultBlockSize, defaultEndgame)
}

func newManager(info *metainfo.Info, storage io.WriterAt, log *zap.Logger, blockSize, endgame int) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		info:      info,
		storage:   storage,
		pieces:    make([]piece, info.NumPieces()),
		avail:     make(map[string]peerwire.Bitfield),
		counts:    make([]int, info.NumPieces()),
		completed: peerwire.NewBitfield(info.NumPieces()),
		remaining: info.NumPieces(),
		blockSize: blockSize,
		endgame:   endgame,
		badPeers:  make(map[string]int),
		doneCh:    make(chan struct{}),
		log:       log,
	}
	for i := range m.pieces {
		length := info.PieceSize(i)
		p := &m.pieces[i]
		p.length = length
		p.hash = info.PieceHashes[i]
		for begin := 0; begin < length; begin += m.blockSize {
			size := m.blockSize
			if begin+size > length {
				size = length - begin
			}
			p.blocks = append(p.blocks, block{begin: begin, length: size})
		}
	}
	if m.remaining == 0 {
		close(m.doneCh)
	}
	return m
}

// PeerBitfield records a peer's full advertised availability, replacing
// any earlier snapshot.
func (m *Manager) PeerBitfield(peer string, have peerwire.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAvailability(peer)
	snapshot := make(peerwire.Bitfield, len(have))
	copy(snapshot, have)
	m.avail[peer] = snapshot
	for i := range m.counts {
		if snapshot.Has(i) {
			m.counts[i]++
		}
	}
}

// PeerHave records a single additional piece advertised by a peer.
func (m *Manager) PeerHave(peer string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.counts) {
		return
	}
	bf, ok := m.avail[peer]
	if !ok {
		bf = peerwire.NewBitfield(len(m.counts))
		m.avail[peer] = bf
	}
	if !bf.Has(index) {
		bf.Set(index)
		m.counts[index]++
	}
}

func (m *Manager) dropAvailability(peer string) {
	bf, ok := m.avail[peer]
	if !ok {
		return
	}
	for i := range m.counts {
		if bf.Has(i) {
			m.counts[i]--
		}
	}
	delete(m.avail, peer)
}

// NextRequest picks the next block to ask of peer, rarest piece first with
// ties broken by lowest index. Outside endgame each block has at most one
// holder; once few pieces remain, requested blocks may be handed to a
// second peer.
func (m *Manager) NextRequest(peer string) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	have, ok := m.avail[peer]
	if !ok {
		return Assignment{}, false
	}

	best := -1
	bestCount := 0
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.complete || p.verifying || !have.Has(i) {
			continue
		}
		if !p.hasBlockIn(BlockMissing) {
			continue
		}
		if best == -1 || m.counts[i] < bestCount {
			best, bestCount = i, m.counts[i]
		}
	}
	if best >= 0 {
		p := &m.pieces[best]
		for bi := range p.blocks {
			b := &p.blocks[bi]
			if b.state != BlockMissing {
				continue
			}
			b.state = BlockRequested
			b.holders = append(b.holders[:0], peer)
			return Assignment{Peer: peer, Index: best, Begin: b.begin, Length: b.length}, true
		}
	}

	if m.remaining > m.endgame {
		return Assignment{}, false
	}
	// Endgame: duplicate an outstanding request so a slow peer cannot
	// stall the tail of the download.
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.complete || p.verifying || !have.Has(i) {
			continue
		}
		for bi := range p.blocks {
			b := &p.blocks[bi]
			if b.state != BlockRequested || len(b.holders) >= maxHolders || b.holds(peer) {
				continue
			}
			b.holders = append(b.holders, peer)
			return Assignment{Peer: peer, Index: i, Begin: b.begin, Length: b.length}, true
		}
	}
	return Assignment{}, false
}

func (p *piece) hasBlockIn(state BlockState) bool {
	for i := range p.blocks {
		if p.blocks[i].state == state {
			return true
		}
	}
	return false
}

func (b *block) holds(peer string) bool {
	for _, h := range b.holders {
		if h == peer {
			return true
		}
	}
	return false
}

func (b *block) dropHolder(peer string) {
	for i, h := range b.holders {
		if h == peer {
			b.holders = append(b.holders[:i], b.holders[i+1:]...)
			return
		}
	}
}

// BlockReceived copies one block into its piece and, when the piece is
// whole, verifies and forwards it. The returned assignments are redundant
// endgame requests at other peers that should now be cancelled.
//
// A hash mismatch silently resets every block of the piece to missing; the
// whole piece is re-fetched since the corrupt position cannot be isolated.
func (m *Manager) BlockReceived(peer string, index, begin int, data []byte) ([]Assignment, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) {
		m.mu.Unlock()
		return nil, nil
	}
	p := &m.pieces[index]
	b := p.blockAt(begin)
	if p.complete || p.verifying || b == nil || b.state == BlockReceived || b.length != len(data) {
		// Stale, duplicate or unsolicited data; nothing to do.
		m.mu.Unlock()
		return nil, nil
	}

	var cancels []Assignment
	for _, h := range b.holders {
		if h != peer {
			cancels = append(cancels, Assignment{Peer: h, Index: index, Begin: b.begin, Length: b.length})
		}
	}
	b.holders = nil
	b.state = BlockReceived
	b.by = peer
	if p.buf == nil {
		p.buf = make([]byte, p.length)
	}
	copy(p.buf[begin:], data)
	p.received++

	if p.received < len(p.blocks) {
		m.mu.Unlock()
		return cancels, nil
	}

	// Whole piece in memory: verify outside the lock.
	p.verifying = true
	buf := p.buf
	m.mu.Unlock()

	sum := sha1.Sum(buf)
	match := bytes.Equal(sum[:], p.hash[:])
	var writeErr error
	if match {
		_, writeErr = m.storage.WriteAt(buf, int64(index)*m.info.PieceLength)
	}

	m.mu.Lock()
	p.verifying = false
	if !match {
		m.log.Warn("piece failed verification, re-queueing",
			zap.Int("piece", index), zap.String("peer", peer))
		m.resetPieceLocked(index)
		m.mu.Unlock()
		return cancels, nil
	}
	if writeErr != nil {
		m.resetPieceLocked(index)
		m.mu.Unlock()
		return cancels, fmt.Errorf("writing piece %d: %w", index, writeErr)
	}
	p.complete = true
	p.buf = nil
	m.completed.Set(index)
	m.remaining--
	remaining := m.remaining
	if remaining == 0 {
		close(m.doneCh)
	}
	m.mu.Unlock()

	m.log.Debug("piece verified", zap.Int("piece", index), zap.Int("remaining", remaining))
	return cancels, nil
}

func (p *piece) blockAt(begin int) *block {
	for i := range p.blocks {
		if p.blocks[i].begin == begin {
			return &p.blocks[i]
		}
	}
	return nil
}

// resetPieceLocked reverts every block of a piece to missing and charges
// the peers that contributed data.
func (m *Manager) resetPieceLocked(index int) {
	p := &m.pieces[index]
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.by != "" {
			m.badPeers[b.by]++
		}
		*b = block{begin: b.begin, length: b.length}
	}
	p.received = 0
	p.buf = nil
}

// RequestTimedOut reverts one in-flight block of one peer to missing
// (unless another endgame holder still has it outstanding).
func (m *Manager) RequestTimedOut(peer string, index, begin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return
	}
	p := &m.pieces[index]
	b := p.blockAt(begin)
	if b == nil || b.state != BlockRequested {
		return
	}
	b.dropHolder(peer)
	if len(b.holders) == 0 {
		b.state = BlockMissing
	}
}

// ReleaseAll atomically returns every in-flight block held by peer and
// forgets its advertised availability. Called on session teardown.
func (m *Manager) ReleaseAll(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		p := &m.pieces[i]
		for bi := range p.blocks {
			b := &p.blocks[bi]
			if b.state != BlockRequested || !b.holds(peer) {
				continue
			}
			b.dropHolder(peer)
			if len(b.holders) == 0 {
				b.state = BlockMissing
			}
		}
	}
	m.dropAvailability(peer)
}

// Needs reports whether have advertises at least one incomplete piece.
func (m *Manager) Needs(have peerwire.Bitfield) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if !m.pieces[i].complete && have.Has(i) {
			return true
		}
	}
	return false
}

// Progress returns the verified fraction of the torrent, by bytes.
func (m *Manager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.TotalLength == 0 {
		return 1
	}
	var done int64
	for i := range m.pieces {
		if m.pieces[i].complete {
			done += int64(m.pieces[i].length)
		}
	}
	return float64(done) / float64(m.info.TotalLength)
}

// Complete reports whether every piece has been verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining == 0
}

// Done is closed once every piece has been verified and forwarded.
func (m *Manager) Done() <-chan struct{} { return m.doneCh }

// Bitfield returns a copy of the completed-piece bitfield, suitable for
// sending after a handshake.
func (m *Manager) Bitfield() peerwire.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(peerwire.Bitfield, len(m.completed))
	copy(out, m.completed)
	return out
}

// BadPieces returns how many corrupt pieces a peer has contributed to.
func (m *Manager) BadPieces(peer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badPeers[peer]
}
