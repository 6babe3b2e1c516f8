package download

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
	"gobt/internal/pieces"
)

func testTorrent(t *testing.T, pieceLength, totalLength int) (*metainfo.Info, []byte) {
	t.Helper()
	content := make([]byte, totalLength)
	_, err := rand.Read(content)
	require.NoError(t, err)
	in := &metainfo.Info{
		Name:        "test",
		InfoHash:    [20]byte{0xde, 0xad},
		PieceLength: int64(pieceLength),
		TotalLength: int64(totalLength),
		Files:       []metainfo.File{{Path: "test", Length: int64(totalLength)}},
	}
	for off := 0; off < totalLength; off += pieceLength {
		end := off + pieceLength
		if end > totalLength {
			end = totalLength
		}
		in.PieceHashes = append(in.PieceHashes, sha1.Sum(content[off:end]))
	}
	return in, content
}

type memStorage struct {
	mu  sync.Mutex
	buf []byte
}

func (s *memStorage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(s.buf[off:], p), nil
}

// seeder is a minimal in-process peer that advertises everything and
// serves every request.
type seeder struct {
	ln      net.Listener
	info    *metainfo.Info
	content []byte
}

func startSeeder(t *testing.T, info *metainfo.Info, content []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &seeder{ln: ln, info: info, content: content}
	t.Cleanup(func() { ln.Close() })
	go s.acceptLoop()
	return ln.Addr().String()
}

func (s *seeder) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *seeder) serve(conn net.Conn) {
	defer conn.Close()
	if _, err := peerwire.ReadHandshake(conn); err != nil {
		return
	}
	reply := peerwire.Handshake{InfoHash: s.info.InfoHash, PeerID: [20]byte{'s', 'e', 'e', 'd'}}
	if _, err := conn.Write(reply.Marshal()); err != nil {
		return
	}

	bf := peerwire.NewBitfield(s.info.NumPieces())
	for i := 0; i < s.info.NumPieces(); i++ {
		bf.Set(i)
	}
	if err := peerwire.WriteMessage(conn, &peerwire.Message{ID: peerwire.MsgBitfield, Payload: bf}); err != nil {
		return
	}

	for {
		msg, err := peerwire.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case peerwire.MsgInterested:
			if err := peerwire.WriteMessage(conn, &peerwire.Message{ID: peerwire.MsgUnchoke}); err != nil {
				return
			}
		case peerwire.MsgRequest:
			req, err := peerwire.ParseRequest(msg)
			if err != nil {
				return
			}
			off := req.Index*int(s.info.PieceLength) + req.Begin
			payload := make([]byte, 8, 8+req.Length)
			payload[0], payload[1], payload[2], payload[3] = byte(req.Index>>24), byte(req.Index>>16), byte(req.Index>>8), byte(req.Index)
			payload[4], payload[5], payload[6], payload[7] = byte(req.Begin>>24), byte(req.Begin>>16), byte(req.Begin>>8), byte(req.Begin)
			payload = append(payload, s.content[off:off+req.Length]...)
			if err := peerwire.WriteMessage(conn, &peerwire.Message{ID: peerwire.MsgPiece, Payload: payload}); err != nil {
				return
			}
		}
	}
}

// silentPeer handshakes and then never says another word.
func startSilentPeer(t *testing.T, infoHash [20]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if _, err := peerwire.ReadHandshake(conn); err != nil {
					return
				}
				reply := peerwire.Handshake{InfoHash: infoHash, PeerID: [20]byte{'m', 'u', 't', 'e'}}
				conn.Write(reply.Marshal())
				time.Sleep(time.Minute)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func testConfig() Config {
	return Config{
		PeerID:       [20]byte{'-', 'G', 'B', 't', 'e', 's', 't'},
		MaxPeers:     4,
		DialTimeout:  time.Second,
		PollInterval: 100 * time.Millisecond,
		DialAttempts: 1,
	}
}

func TestDownloadFromSingleSeeder(t *testing.T) {
	info, content := testTorrent(t, 2*pieces.DefaultBlockSize, 5*pieces.DefaultBlockSize)
	addr := startSeeder(t, info, content)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}

	c := New(info, storage, StaticSource{addr}, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, content, storage.buf)
	assert.InDelta(t, 1.0, c.Progress(), 1e-9)
	assert.Equal(t, 0, c.ActivePeers())
}

func TestDownloadSurvivesSilentPeer(t *testing.T) {
	info, content := testTorrent(t, 2*pieces.DefaultBlockSize, 4*pieces.DefaultBlockSize)
	good := startSeeder(t, info, content)
	mute := startSilentPeer(t, info.InfoHash)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}

	cfg := testConfig()
	cfg.RequestTimeout = 2 * time.Second
	c := New(info, storage, StaticSource{mute, good}, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, content, storage.buf)
}

// flakySource fails its first announce and recovers afterwards.
type flakySource struct {
	mu    sync.Mutex
	calls int
	addrs []string
}

func (f *flakySource) Peers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("announce failed")
	}
	return f.addrs, nil
}

func TestDownloadSurvivesTransientSourceFailure(t *testing.T) {
	info, content := testTorrent(t, 2*pieces.DefaultBlockSize, 4*pieces.DefaultBlockSize)
	addr := startSeeder(t, info, content)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}

	c := New(info, storage, &flakySource{addrs: []string{addr}}, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, content, storage.buf)
}

func TestStalledWithoutPeers(t *testing.T) {
	info, _ := testTorrent(t, pieces.DefaultBlockSize, pieces.DefaultBlockSize)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}
	c := New(info, storage, StaticSource{}, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestStalledWhenAllDialsFail(t *testing.T) {
	info, _ := testTorrent(t, pieces.DefaultBlockSize, pieces.DefaultBlockSize)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}
	// Port 1 on loopback refuses connections.
	c := New(info, storage, StaticSource{"127.0.0.1:1"}, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestCancellationClosesSessions(t *testing.T) {
	info, _ := testTorrent(t, pieces.DefaultBlockSize, pieces.DefaultBlockSize)
	mute := startSilentPeer(t, info.InfoHash)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}
	c := New(info, storage, StaticSource{mute}, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.ActivePeers())
}

func TestCancellationBeatsStall(t *testing.T) {
	info, _ := testTorrent(t, pieces.DefaultBlockSize, pieces.DefaultBlockSize)
	storage := &memStorage{buf: make([]byte, info.TotalLength)}
	c := New(info, storage, StaticSource{}, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStalled)
}

func TestRunOnEmptyTorrent(t *testing.T) {
	in := &metainfo.Info{PieceLength: 1}
	c := New(in, &memStorage{}, StaticSource{}, testConfig(), nil)
	require.NoError(t, c.Run(context.Background()))
}
