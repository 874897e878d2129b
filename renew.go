package fleamart

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// renewalLead is how far before the token's absolute expiry the proactive
// probe fires.
const renewalLead = 60 * time.Second

// renewer owns both renewal paths against a single source of truth: the
// proactive timer scheduled off the token expiry, and the reactive refresh
// the gateway triggers on a 401. Concurrent 401s across in-flight requests
// collapse into at most one outstanding refresh call; every caller shares
// that call's outcome.
type renewer struct {
	client *Client
	lead   time.Duration
	group  singleflight.Group

	mu    sync.Mutex
	timer *time.Timer
}

func newRenewer(client *Client, lead time.Duration) *renewer {
	if lead <= 0 {
		lead = renewalLead
	}
	return &renewer{client: client, lead: lead}
}

// reschedule replaces the proactive timer. A zero expiry (token cleared or
// lifetime unknown) just cancels it.
func (r *renewer) reschedule(expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if expiresAt.IsZero() {
		return
	}
	delay := time.Until(expiresAt) - r.lead
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.probe)
	r.client.log.Debug().Dur("delay", delay).Msg("scheduled proactive token probe")
}

// cancel stops the pending probe, if any.
func (r *renewer) cancel() {
	r.reschedule(time.Time{})
}

// probe issues a lightweight authenticated request near expiry. A failure is
// deliberately ignored here; the reactive path handles the eventual 401.
func (r *renewer) probe() {
	ctx, cancelFn := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancelFn()
	if _, err := r.client.Do(ctx, http.MethodGet, "/users/me", nil, nil, Silent()); err != nil {
		r.client.log.Debug().Err(err).Msg("proactive token probe failed")
	}
}

// renew performs one token-refresh call and returns the new access token.
// The refresh endpoint authenticates via the renewal cookie in the client's
// jar, never via the Authorization header. On failure the session is cleared
// and ErrSessionExpired is returned.
func (r *renewer) renew(ctx context.Context) (string, error) {
	token, err, _ := r.group.Do("renew", func() (any, error) {
		data, err := r.client.Do(ctx, http.MethodPost, "/auth/refresh", nil, nil, Silent())
		if err != nil {
			r.client.log.Info().Err(err).Msg("token refresh failed, ending session")
			r.client.session.Clear()
			return "", ErrSessionExpired
		}
		login, err := decode[loginData](data)
		if err != nil || login.Token == "" {
			r.client.log.Info().Msg("token refresh returned no token, ending session")
			r.client.session.Clear()
			return "", ErrSessionExpired
		}
		r.client.session.SetToken(login.Token, time.Duration(login.ExpiresInMs)*time.Millisecond)
		r.client.log.Debug().Msg("access token renewed")
		return login.Token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
