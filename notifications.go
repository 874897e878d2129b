package fleamart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

const defaultNotificationPageSize = 20

// NotificationFeed is the paginated REST-backed notification list with local
// read/unread reconciliation.
type NotificationFeed struct {
	client *Client

	mu       sync.Mutex
	items    []NotificationItem
	unread   int
	page     int
	size     int
	loading  bool
	finished bool
}

func NewNotificationFeed(client *Client) *NotificationFeed {
	return &NotificationFeed{client: client, size: defaultNotificationPageSize}
}

// ============================================================================
// Pagination
// ============================================================================

// Refresh resets the cursor, clears accumulated items and fetches page 0.
func (nf *NotificationFeed) Refresh(ctx context.Context) error {
	nf.mu.Lock()
	nf.page = 0
	nf.finished = false
	nf.items = nil
	if nf.loading {
		nf.mu.Unlock()
		return nil
	}
	nf.loading = true
	page, size := nf.page, nf.size
	nf.mu.Unlock()

	return nf.fetch(ctx, page, size)
}

// LoadMore fetches the next page. It performs no network call while a fetch
// is already in flight or once the feed is exhausted.
func (nf *NotificationFeed) LoadMore(ctx context.Context) error {
	nf.mu.Lock()
	if nf.loading || nf.finished {
		nf.mu.Unlock()
		return nil
	}
	nf.loading = true
	page, size := nf.page, nf.size
	nf.mu.Unlock()

	return nf.fetch(ctx, page, size)
}

// fetch runs with the loading flag held and releases it when done. The feed
// is exhausted when a page comes back short or the server marks it last.
func (nf *NotificationFeed) fetch(ctx context.Context, page, size int) error {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	data, err := nf.client.Do(ctx, http.MethodGet, "/notifications", nil, query)

	nf.mu.Lock()
	defer nf.mu.Unlock()
	nf.loading = false
	if err != nil {
		nf.finished = true // stop paging a broken feed; Refresh resets
		return err
	}

	var result notificationPage
	if jerr := json.Unmarshal(data, &result); jerr != nil {
		nf.finished = true
		return fmt.Errorf("unmarshal notifications: %w", jerr)
	}

	nf.items = append(nf.items, result.Content...)
	nf.page++
	if len(result.Content) < size || result.Last {
		nf.finished = true
	}
	return nil
}

// ============================================================================
// Read state
// ============================================================================

// UnreadCount fetches the server's unread total, cached briefly so that
// background polling stays cheap.
func (nf *NotificationFeed) UnreadCount(ctx context.Context) (int, error) {
	if cached, ok := nf.client.cache.get(cacheKeyUnreadCount); ok {
		n, err := decode[int](cached)
		if err == nil {
			return *n, nil
		}
	}
	data, err := nf.client.Do(ctx, http.MethodGet, "/notifications/unread-count", nil, nil, Silent())
	if err != nil {
		return 0, err
	}
	n, err := decode[int](data)
	if err != nil {
		return 0, err
	}
	nf.client.cache.put(cacheKeyUnreadCount, data, unreadCacheTTL)

	nf.mu.Lock()
	nf.unread = *n
	nf.mu.Unlock()
	return *n, nil
}

// MarkRead flags one notification read on the server, then flips the local
// item and decrements the unread counter, but only if the item existed and
// was previously unread. Calling it twice observes the same state as once.
func (nf *NotificationFeed) MarkRead(ctx context.Context, id int64) error {
	if _, err := nf.client.Do(ctx, http.MethodPut, fmt.Sprintf("/notifications/%d/read", id), nil, nil); err != nil {
		return err
	}
	nf.client.cache.invalidate(cacheKeyUnreadCount)

	nf.mu.Lock()
	defer nf.mu.Unlock()
	for i := range nf.items {
		if nf.items[i].ID == id {
			if !nf.items[i].Read {
				nf.items[i].Read = true
				if nf.unread > 0 {
					nf.unread--
				}
			}
			return nil
		}
	}
	return nil
}

// MarkAllRead flips every local item and zeroes the counter.
func (nf *NotificationFeed) MarkAllRead(ctx context.Context) error {
	if _, err := nf.client.Do(ctx, http.MethodPut, "/notifications/read-all", nil, nil); err != nil {
		return err
	}
	nf.client.cache.invalidate(cacheKeyUnreadCount)

	nf.mu.Lock()
	defer nf.mu.Unlock()
	for i := range nf.items {
		nf.items[i].Read = true
	}
	nf.unread = 0
	return nil
}

// HandlePush folds a pushed notification into the local feed: it is
// prepended once (dedup by id) and counted if unread.
func (nf *NotificationFeed) HandlePush(item NotificationItem) {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	for _, existing := range nf.items {
		if existing.ID == item.ID {
			return
		}
	}
	nf.items = append([]NotificationItem{item}, nf.items...)
	if !item.Read {
		nf.unread++
	}
	nf.client.cache.invalidate(cacheKeyUnreadCount)
}

// ============================================================================
// Reads
// ============================================================================

// Items returns a copy of the accumulated feed.
func (nf *NotificationFeed) Items() []NotificationItem {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	return append([]NotificationItem(nil), nf.items...)
}

// Unread returns the locally reconciled unread counter.
func (nf *NotificationFeed) Unread() int {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	return nf.unread
}

// Finished reports whether the feed is exhausted.
func (nf *NotificationFeed) Finished() bool {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	return nf.finished
}
