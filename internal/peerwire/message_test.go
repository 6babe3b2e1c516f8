package peerwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []*Message{
		{ID: MsgChoke},
		{ID: MsgUnchoke},
		{ID: MsgInterested},
		{ID: MsgHave, Payload: []byte{0, 0, 0, 7}},
		{ID: MsgPiece, Payload: append([]byte{0, 0, 0, 1, 0, 0, 0x40, 0}, []byte("block data")...)},
	}
	for _, msg := range tests {
		t.Run(msg.ID.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, msg))
			got, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, msg.ID, got.ID)
			if len(msg.Payload) > 0 {
				assert.Equal(t, msg.Payload, got.Payload)
			} else {
				assert.Empty(t, got.Payload)
			}
		})
	}
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReadMessageRejectsBadFraming(t *testing.T) {
	t.Run("unknown id", func(t *testing.T) {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint32(1))
		buf.WriteByte(9)
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrProtocol)
	})
	t.Run("oversized length prefix", func(t *testing.T) {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint32(maxMessageLength+1))
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrProtocol)
	})
	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint32(10))
		buf.WriteByte(byte(MsgBitfield))
		_, err := ReadMessage(&buf)
		assert.Error(t, err)
	})
}

func TestRequestPayload(t *testing.T) {
	req := Request{Index: 3, Begin: 16384, Length: 16384}
	msg := FormatRequest(MsgRequest, req)
	assert.Equal(t, MsgRequest, msg.ID)
	got, err := ParseRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = ParseRequest(&Message{ID: MsgRequest, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPiecePayload(t *testing.T) {
	payload := make([]byte, 8, 8+5)
	binary.BigEndian.PutUint32(payload[0:4], 2)
	binary.BigEndian.PutUint32(payload[4:8], 32768)
	payload = append(payload, "hello"...)

	index, begin, data, err := ParsePiece(&Message{ID: MsgPiece, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 32768, begin)
	assert.Equal(t, "hello", string(data))

	_, _, _, err = ParsePiece(&Message{ID: MsgPiece, Payload: []byte{0}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := &Handshake{}
	copy(hs.InfoHash[:], bytes.Repeat([]byte{0xaa}, 20))
	copy(hs.PeerID[:], "-GB0001-abcdefghijkl")

	wire := hs.Marshal()
	require.Len(t, wire, handshakeLen)
	assert.EqualValues(t, 19, wire[0])
	assert.Equal(t, protocolName, string(wire[1:20]))

	got, err := ReadHandshake(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, hs.InfoHash, got.InfoHash)
	assert.Equal(t, hs.PeerID, got.PeerID)
}

func TestReadHandshakeRejectsGarbage(t *testing.T) {
	bad := make([]byte, handshakeLen)
	bad[0] = 19
	copy(bad[1:], "BitTorrent Protocol") // wrong case
	_, err := ReadHandshake(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrProtocol)

	bad[0] = 5
	_, err = ReadHandshake(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestBitfield(t *testing.T) {
	bf := NewBitfield(10)
	require.Len(t, bf, 2)
	assert.True(t, bf.Empty())

	bf.Set(0)
	bf.Set(2)
	bf.Set(9)
	assert.True(t, bf.Has(0))
	assert.False(t, bf.Has(1))
	assert.True(t, bf.Has(2))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(100))
	bf.Set(100) // ignored
	assert.Equal(t, 3, bf.Count(10))
	assert.False(t, bf.Empty())

	// Piece 0 is the most significant bit of byte 0.
	assert.EqualValues(t, 0b10100000, bf[0])
	assert.EqualValues(t, 0b01000000, bf[1])
}
