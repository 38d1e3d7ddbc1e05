package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
)

// Status poll backoff.
const (
	// statusPath is the gen1 status document.
	statusPath = "/status"

	// After backoffShortAfter consecutive failures a device is polled every
	// backoffShort, after backoffLongAfter every backoffLong.
	backoffShortAfter = 3
	backoffShort      = 10 * time.Minute
	backoffLongAfter  = 5
	backoffLong       = time.Hour

	defaultScanInterval   = time.Second
	defaultStatusInterval = time.Minute
)

// pollState tracks the status poll schedule of one device.
type pollState struct {
	next     time.Time
	failures int
	inflight bool
}

// runPoller scans the device list every ScanInterval and polls the mains
// devices that are due. Sleeping devices are never polled.
func (g *Gateway) runPoller(ctx context.Context) {
	scan := g.cfg.ScanInterval()
	if scan <= 0 {
		scan = defaultScanInterval
	}
	ticker := time.NewTicker(scan)
	defer ticker.Stop()
	defer g.pollWG.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pollDue(ctx, g.now())
		}
	}
}

// pollDue starts a poll for every device whose next poll time has passed.
func (g *Gateway) pollDue(ctx context.Context, now time.Time) {
	for _, dev := range g.engine.List() {
		if dev.Sleeping() || dev.Address == "" {
			continue
		}
		if !g.claimPoll(dev.ID, now) {
			continue
		}

		g.pollWG.Add(1)
		go func(id, addr string) {
			defer g.pollWG.Done()
			g.poll(ctx, id, addr)
		}(dev.ID, dev.Address)
	}
}

// claimPoll reports whether a device is due and marks its poll inflight.
// A device seen for the first time is due at once.
func (g *Gateway) claimPoll(deviceID string, now time.Time) bool {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	st, ok := g.polls[deviceID]
	if !ok {
		st = &pollState{next: now}
		g.polls[deviceID] = st
	}
	if st.inflight || now.Before(st.next) {
		return false
	}
	st.inflight = true
	return true
}

// poll reads one status document and applies it as an HTTP batch.
func (g *Gateway) poll(ctx context.Context, deviceID, address string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("status poll panic recovered", "device_id", deviceID, "panic", fmt.Sprint(r))
			g.finishPoll(deviceID, false, g.now())
		}
	}()

	ok, doc := g.http.Get(ctx, address, statusPath)
	if ok {
		g.apply(deviceID, fieldmap.Facts{
			Transport: fieldmap.HTTP,
			At:        g.now(),
			Address:   address,
			Document:  doc,
		})
	}
	g.finishPoll(deviceID, ok, g.now())
}

// finishPoll schedules the next poll. Failures back off; a success resets
// the schedule to the status interval.
func (g *Gateway) finishPoll(deviceID string, ok bool, now time.Time) {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	st, found := g.polls[deviceID]
	if !found {
		return
	}
	st.inflight = false

	if ok {
		if st.failures >= backoffShortAfter {
			g.logger.Info("device answering status polls again", "device_id", deviceID, "failures", st.failures)
		}
		st.failures = 0
		st.next = now.Add(g.statusInterval())
		return
	}

	st.failures++
	st.next = now.Add(pollBackoff(st.failures, g.statusInterval()))
	if st.failures == backoffShortAfter || st.failures == backoffLongAfter {
		g.logger.Warn("device not answering status polls, backing off",
			"device_id", deviceID, "failures", st.failures, "next", st.next)
	}
}

// PollSoon brings the next status poll of a device forward to now.
func (g *Gateway) PollSoon(deviceID string) {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	if st, ok := g.polls[deviceID]; ok {
		st.next = g.now()
	}
}

func (g *Gateway) statusInterval() time.Duration {
	if d := g.cfg.StatusInterval(); d > 0 {
		return d
	}
	return defaultStatusInterval
}

// pollBackoff returns the wait after a number of consecutive failures.
func pollBackoff(failures int, interval time.Duration) time.Duration {
	switch {
	case failures >= backoffLongAfter:
		return backoffLong
	case failures >= backoffShortAfter:
		return backoffShort
	default:
		return interval
	}
}
