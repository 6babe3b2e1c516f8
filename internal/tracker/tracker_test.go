package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	info := &metainfo.Info{
		Announce:    srv.URL + "/announce",
		InfoHash:    [20]byte{0x01, 0x02},
		TotalLength: 1000,
	}
	return New(info, [20]byte{'-', 'G', 'B'}, 6881, nil)
}

func TestPeersParsesCompactResponse(t *testing.T) {
	var gotQuery map[string][]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		// Two peers: 10.0.0.1:6881 and 192.168.1.2:51413.
		compact := string([]byte{10, 0, 0, 1, 0x1a, 0xe1, 192, 168, 1, 2, 0xc8, 0xd5})
		fmt.Fprintf(w, "d8:completei5e8:intervali1800e5:peers%d:%se", len(compact), compact)
	})

	addrs, err := c.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:6881", "192.168.1.2:51413"}, addrs)
	assert.Equal(t, 30*time.Minute, c.Interval())

	require.NotNil(t, gotQuery)
	assert.Equal(t, string([]byte{0x01, 0x02})+string(make([]byte, 18)), gotQuery["info_hash"][0])
	assert.Equal(t, "1", gotQuery["compact"][0])
	assert.Equal(t, "1000", gotQuery["left"][0])
	assert.Equal(t, "6881", gotQuery["port"][0])
}

func TestPeersFailureReason(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason12:unregisterede")
	})
	_, err := c.Peers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered")
}

func TestPeersRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not bencode", "html error page"},
		{"missing peers", "d8:intervali60ee"},
		{"peers not bytes", "d5:peersli1eee"},
		{"bad compact length", "d5:peers5:abcdee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Peers(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestPeersHTTPError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Peers(context.Background())
	assert.Error(t, err)
}
