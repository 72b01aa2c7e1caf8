// Package poller waits on the client side for a match: it re-asks check_status
// on a fixed interval and always leaves the queue when it gives up.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PeerSupport/internal/matchmaker"
	"PeerSupport/internal/utils"
)

var ErrNoMatchFound = errors.New("no match found, try again")

const (
	DefaultInterval    = 3 * time.Second
	DefaultTimeout     = 60 * time.Second
	DefaultMaxFailures = 3
	leaveTimeout       = 5 * time.Second
)

type StatusClient interface {
	CheckStatus(ctx context.Context, userID string) (matchmaker.Outcome, error)
	LeaveQueue(ctx context.Context, userID string) error
}

type Poller struct {
	client      StatusClient
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

func New(client StatusClient, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{client: client, Interval: interval, Timeout: timeout, MaxFailures: DefaultMaxFailures}
}

// Wait polls until matched. On timeout, MaxFailures consecutive errors or ctx
// cancellation it calls LeaveQueue so no orphaned waiting entry is left behind.
func (p *Poller) Wait(ctx context.Context, userID string) (matchmaker.Outcome, error) {
	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-pctx.Done():
			if out, ok := p.giveUp(userID); ok {
				return out, nil
			}
			if err := ctx.Err(); err != nil {
				return matchmaker.Outcome{}, err
			}
			return matchmaker.Outcome{}, ErrNoMatchFound

		case <-ticker.C:
			out, err := p.client.CheckStatus(pctx, userID)
			if err != nil {
				failures++
				utils.Log.Warn("check status failed", "user", userID, "failures", failures, "err", err)
				if failures >= p.MaxFailures {
					if out, ok := p.giveUp(userID); ok {
						return out, nil
					}
					return matchmaker.Outcome{}, fmt.Errorf("%w: %v", ErrNoMatchFound, err)
				}
				continue
			}
			failures = 0
			if out.State == matchmaker.StateMatched {
				return out, nil
			}
		}
	}
}

// giveUp leaves the queue, then checks once more: a match that committed
// just before the leave still stands.
func (p *Poller) giveUp(userID string) (matchmaker.Outcome, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := p.client.LeaveQueue(ctx, userID); err != nil {
		utils.Log.Error("leave queue failed", "user", userID, "err", err)
	}
	out, err := p.client.CheckStatus(ctx, userID)
	if err == nil && out.State == matchmaker.StateMatched {
		return out, true
	}
	return matchmaker.Outcome{}, false
}
