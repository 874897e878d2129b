package fleamart

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// PresenceTracker maintains the set of peers currently online. Incremental
// push events are applied as they arrive; Bootstrap replaces the whole set
// from a REST snapshot and should run once after connect, since events
// delivered before the subscription was live are lost.
type PresenceTracker struct {
	client *Client

	mu     sync.Mutex
	online map[int64]struct{}
}

func NewPresenceTracker(client *Client) *PresenceTracker {
	return &PresenceTracker{client: client, online: make(map[int64]struct{})}
}

// Handle applies one presence transition: ONLINE adds the peer, anything
// else removes it.
func (pt *PresenceTracker) Handle(ev PresenceEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if ev.Status == PresenceStatusOnline {
		pt.online[ev.UserID] = struct{}{}
	} else {
		delete(pt.online, ev.UserID)
	}
}

// Bootstrap replaces the online set wholesale from GET /users/online.
func (pt *PresenceTracker) Bootstrap(ctx context.Context) error {
	data, err := pt.client.Do(ctx, http.MethodGet, "/users/online", nil, nil, Silent())
	if err != nil {
		return err
	}
	ids, err := decode[[]int64](data)
	if err != nil {
		return err
	}
	online := make(map[int64]struct{}, len(*ids))
	for _, id := range *ids {
		online[id] = struct{}{}
	}
	pt.mu.Lock()
	pt.online = online
	pt.mu.Unlock()
	return nil
}

// IsOnline reports whether a peer is currently online.
func (pt *PresenceTracker) IsOnline(userID int64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, ok := pt.online[userID]
	return ok
}

// Online returns the online peer ids, sorted for stable output.
func (pt *PresenceTracker) Online() []int64 {
	pt.mu.Lock()
	ids := make([]int64, 0, len(pt.online))
	for id := range pt.online {
		ids = append(ids, id)
	}
	pt.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
