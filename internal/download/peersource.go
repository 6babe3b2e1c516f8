package download

import "context"

// PeerSource supplies peer network addresses ("host:port"). It may be
// re-polled; returning the same address twice is harmless, the coordinator
// deduplicates.
type PeerSource interface {
	Peers(ctx context.Context) ([]string, error)
}

// StaticSource is a fixed address list.
type StaticSource []string

func (s StaticSource) Peers(context.Context) ([]string, error) {
	return s, nil
}
