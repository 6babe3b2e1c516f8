// Package tracker implements an HTTP announce client. It feeds the
// download coordinator as its peer source.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"gobt/internal/bencode"
	"gobt/internal/metainfo"
)

// maxResponseSize caps what we will read from a tracker.
const maxResponseSize = 1 << 20

// Client announces one torrent to its tracker and reports the returned
// compact peer list.
type Client struct {
	announce string
	infoHash [20]byte
	peerID   [20]byte
	port     int
	left     int64
	http     *http.Client
	log      *zap.Logger

	mu       sync.Mutex
	interval time.Duration
}

// New builds a client for the torrent's announce URL.
func New(info *metainfo.Info, peerID [20]byte, port int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		announce: info.Announce,
		infoHash: info.InfoHash,
		peerID:   peerID,
		port:     port,
		left:     info.TotalLength,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

// Peers announces and returns peer addresses as "host:port". It may be
// called repeatedly; Interval reports how long the tracker asked us to
// wait between calls.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	params := url.Values{
		"info_hash":  []string{string(c.infoHash[:])},
		"peer_id":    []string{string(c.peerID[:])},
		"port":       []string{strconv.Itoa(c.port)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{strconv.FormatInt(c.left, 10)},
		"compact":    []string{"1"},
	}
	announceURL := fmt.Sprintf("%s?%s", c.announce, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building announce request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting tracker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading tracker response: %w", err)
	}

	v, err := bencode.DecodeFull(body)
	if err != nil {
		return nil, fmt.Errorf("decoding tracker response: %w", err)
	}
	if reason, ok := v.Get("failure reason"); ok {
		if msg, ok := reason.Bytes(); ok {
			return nil, fmt.Errorf("tracker refused announce: %s", msg)
		}
		return nil, fmt.Errorf("tracker refused announce")
	}
	if interval, ok := v.Get("interval"); ok {
		if secs, ok := interval.Int(); ok && secs > 0 {
			c.mu.Lock()
			c.interval = time.Duration(secs) * time.Second
			c.mu.Unlock()
		}
	}

	peersVal, ok := v.Get("peers")
	if !ok {
		return nil, fmt.Errorf("tracker response has no peers")
	}
	compact, ok := peersVal.Bytes()
	if !ok {
		return nil, fmt.Errorf("tracker peers field is not a byte string")
	}
	if len(compact)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(compact))
	}

	addrs := make([]string, 0, len(compact)/6)
	for off := 0; off < len(compact); off += 6 {
		ip := net.IP(compact[off : off+4])
		port := binary.BigEndian.Uint16(compact[off+4 : off+6])
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	c.log.Debug("announce complete", zap.Int("peers", len(addrs)))
	return addrs, nil
}

// Interval returns the wait the tracker requested between announces, or
// zero before the first successful announce.
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}
