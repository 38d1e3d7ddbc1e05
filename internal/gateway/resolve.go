package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/shellyhttp"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/discovery"
)

// maxIdentifyAttempts caps retries of candidates that never answer GET
// /shelly. Pending compositions of identified devices retry forever.
const maxIdentifyAttempts = 20

// pendingDevice is a device seen on some transport but not yet composed.
type pendingDevice struct {
	ID       string // normalised; may be a short hardware id or empty
	Type     string // hardware type when the transport named it
	Address  string
	MQTTName string
	Hint     string // mode evidence from the telemetry that revealed it
	Source   string

	attempts   int
	identified bool
	inflight   bool
}

func (p *pendingDevice) key() string {
	if p.ID != "" {
		return p.ID
	}
	return "addr:" + p.Address
}

// merge folds newer evidence into a queued candidate.
func (p *pendingDevice) merge(o pendingDevice) {
	if o.Type != "" {
		p.Type = o.Type
	}
	if o.Address != "" {
		p.Address = o.Address
	}
	if o.MQTTName != "" {
		p.MQTTName = o.MQTTName
	}
	if o.Hint != "" {
		p.Hint = o.Hint
	}
	if len(o.ID) > len(p.ID) {
		p.ID = o.ID
	}
}

// Discover queues a candidate from a discovery collaborator. Candidates
// that name a known device are ignored.
func (g *Gateway) Discover(c discovery.Candidate) {
	g.countCandidate(c.Source)

	if c.ID != "" {
		if _, known := g.resolveID(c.ID); known {
			return
		}
	}
	g.schedule(g.candidateOf(c))
}

// AddCandidate resolves a candidate now and returns the composed device.
// When the device cannot be composed yet the candidate stays queued and the
// error wraps composer.ErrCompositionPending.
//
// Parameters:
//   - ctx: bounds the HTTP identification and the mode probe
//   - c: candidate, usually {Address, Source: "manual"}
//
// Returns:
//   - device.Device: the new or already known device
//   - error: ErrNoAddress, shellyhttp errors, composer errors
func (g *Gateway) AddCandidate(ctx context.Context, c discovery.Candidate) (device.Device, error) {
	g.countCandidate(c.Source)

	p := g.candidateOf(c)
	dev, err := g.resolve(ctx, &p)
	if err == nil {
		return dev, nil
	}
	if retryable(err) {
		g.enqueue(p, false)
	}
	return device.Device{}, err
}

func (g *Gateway) candidateOf(c discovery.Candidate) pendingDevice {
	p := pendingDevice{
		ID:      device.NormalizeID(c.ID),
		Address: c.Address,
		Source:  c.Source,
	}
	if c.Prefix != "" {
		p.Type, _ = g.catalog.TypeForPrefix(c.Prefix)
		if c.ID != "" {
			p.MQTTName = c.Prefix + "-" + c.ID
		}
	}
	return p
}

// schedule queues a candidate and starts one resolution attempt for it.
// A candidate already queued only has its evidence merged.
func (g *Gateway) schedule(p pendingDevice) {
	g.enqueue(p, true)
}

func (g *Gateway) enqueue(p pendingDevice, attemptNow bool) {
	key := p.key()

	g.pendingMu.Lock()
	if cur, ok := g.pending[key]; ok {
		cur.merge(p)
		g.pendingMu.Unlock()
		return
	}
	q := p
	q.inflight = attemptNow
	g.pending[key] = &q
	n := len(g.pending)
	g.pendingMu.Unlock()

	g.setPendingGauge(n)
	g.logger.Debug("device candidate queued",
		"device_id", p.ID, "type", p.Type, "address", p.Address, "source", p.Source)

	if attemptNow {
		go g.attempt(g.context(), key)
	}
}

// attempt resolves one queued candidate. The caller has set inflight.
func (g *Gateway) attempt(ctx context.Context, key string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("candidate resolution panic recovered", "key", key, "panic", fmt.Sprint(r))
			g.finishAttempt(key, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	g.pendingMu.Lock()
	cur, ok := g.pending[key]
	if !ok {
		g.pendingMu.Unlock()
		return
	}
	p := *cur
	g.pendingMu.Unlock()

	_, err := g.resolve(ctx, &p)
	g.finishAttempt(key, &p, err)
}

func (g *Gateway) finishAttempt(key string, p *pendingDevice, err error) {
	g.pendingMu.Lock()
	cur, ok := g.pending[key]
	if !ok {
		g.pendingMu.Unlock()
		return
	}
	cur.inflight = false
	if p != nil {
		cur.merge(*p)
		cur.identified = cur.identified || p.identified
	}

	drop := err == nil || !retryable(err)
	if !drop {
		cur.attempts++
		if !cur.identified && cur.attempts >= maxIdentifyAttempts {
			drop = true
		}
	}
	if drop {
		delete(g.pending, key)
	}
	n := len(g.pending)
	g.pendingMu.Unlock()

	g.setPendingGauge(n)

	switch {
	case err == nil:
	case errors.Is(err, composer.ErrCompositionPending):
		g.logger.Debug("device composition pending", "key", key, "error", err)
	case drop:
		g.logger.Warn("dropping device candidate", "key", key, "error", err)
	default:
		g.logger.Debug("device candidate not resolved yet", "key", key, "error", err)
	}
}

// runComposeRetry retries every queued candidate on a fixed interval.
func (g *Gateway) runComposeRetry(ctx context.Context) {
	ticker := time.NewTicker(composeRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range g.claimPending() {
				if ctx.Err() != nil {
					return
				}
				g.attempt(ctx, key)
			}
		}
	}
}

// claimPending marks every idle candidate inflight and returns their keys.
func (g *Gateway) claimPending() []string {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()

	keys := make([]string, 0, len(g.pending))
	for key, p := range g.pending {
		if p.inflight {
			continue
		}
		p.inflight = true
		keys = append(keys, key)
	}
	return keys
}

// PendingCount returns the number of candidates waiting for composition.
func (g *Gateway) PendingCount() int {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	return len(g.pending)
}

// resolve turns a candidate into a registered device.
//
// Mains devices whose identity is incomplete are identified over GET
// /shelly first. Battery devices never answer HTTP, so their hardware id is
// used as is. Polymorphic hardware is probed with the mode hint from its
// telemetry when there is one, otherwise with GET /settings.
func (g *Gateway) resolve(ctx context.Context, p *pendingDevice) (device.Device, error) {
	battery := g.isBattery(p.Type)

	if !battery && (len(p.ID) < macLength || p.Type == "") {
		if p.Address == "" {
			return device.Device{}, fmt.Errorf("%w: %s", ErrNoAddress, p.key())
		}
		ident, err := g.http.Identify(ctx, p.Address)
		if err != nil {
			return device.Device{}, err
		}
		short := p.ID
		p.ID = device.NormalizeID(ident.MAC)
		p.Type = ident.Type
		g.dir.setAlias(short, p.ID)
	}
	p.identified = true

	if p.ID == "" || p.Type == "" {
		return device.Device{}, fmt.Errorf("%w: incomplete identity %q/%q", shellyhttp.ErrNotShelly, p.ID, p.Type)
	}

	if dev, err := g.engine.Get(p.ID); err == nil {
		g.adopt(dev, p.MQTTName)
		return dev, nil
	}

	var probe composer.Probe
	switch {
	case p.Hint != "":
		probe = composer.StaticProbe(p.Hint)
	case p.Address != "":
		addr := p.Address
		probe = composer.ProbeFunc(func(ctx context.Context) (string, error) {
			return g.http.Mode(ctx, addr)
		})
	}

	comp, err := g.composer.Compose(ctx, p.ID, p.Type, probe)
	if err != nil {
		return device.Device{}, err
	}

	nd := comp.NewDevice(p.ID, p.Address)
	nd.MQTTName = p.MQTTName
	dev, created, err := g.engine.AddDevice(nd)
	if err != nil {
		return device.Device{}, err
	}
	if !created {
		g.adopt(dev, p.MQTTName)
		return dev, nil
	}

	g.dir.setName(dev.MQTTName, dev.ID)
	g.logger.Info("device discovered",
		"device_id", dev.ID,
		"type", dev.Type,
		"mode", dev.Mode,
		"address", dev.Address,
		"source", p.Source,
	)
	return dev, nil
}

// adopt records an MQTT name learned for a known device.
func (g *Gateway) adopt(dev device.Device, name string) {
	if name == "" {
		return
	}
	g.dir.setName(name, dev.ID)

	changed, err := g.engine.SetMQTTName(dev.ID, name)
	if err != nil || !changed {
		return
	}
	if updated, err := g.engine.Get(dev.ID); err == nil {
		g.sink.persist(g.context(), updated)
	}
}

func (g *Gateway) isBattery(hwType string) bool {
	m, ok := g.catalog.Lookup(hwType)
	return ok && m.Battery
}

// retryable reports whether a resolution error may clear up by itself.
func retryable(err error) bool {
	switch {
	case errors.Is(err, composer.ErrUnknownHardware),
		errors.Is(err, shellyhttp.ErrNotShelly),
		errors.Is(err, device.ErrInvalidDevice):
		return false
	}
	return true
}

// Load registers the devices persisted by a previous run. They are composed
// from their stored mode without touching the network and become available
// again once they report.
func (g *Gateway) Load(ctx context.Context) error {
	if g.repo == nil {
		return nil
	}

	records, err := g.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		comp, err := g.composer.Compose(ctx, rec.ID, rec.Type, composer.StaticProbe(rec.Mode))
		if err != nil {
			g.logger.Warn("skipping persisted device", "device_id", rec.ID, "type", rec.Type, "error", err)
			continue
		}

		nd := comp.NewDevice(rec.ID, rec.Address)
		nd.MQTTName = rec.MQTTName
		nd.CreatedAt = rec.CreatedAt

		g.sink.remember(rec)
		if _, _, err := g.engine.AddDevice(nd); err != nil {
			g.logger.Warn("registering persisted device failed", "device_id", rec.ID, "error", err)
			continue
		}
		g.dir.setName(rec.MQTTName, rec.ID)
		loaded++
	}

	g.logger.Info("persisted devices loaded", "count", loaded)
	return nil
}

// RemoveDevice forgets a device in the engine and in the store. A device
// that keeps reporting is discovered again.
func (g *Gateway) RemoveDevice(ctx context.Context, deviceID string) error {
	if err := g.engine.RemoveDevice(deviceID); err != nil {
		return err
	}

	g.pollMu.Lock()
	delete(g.polls, deviceID)
	g.pollMu.Unlock()

	g.sink.forget(deviceID)

	if g.repo == nil {
		return nil
	}
	if err := g.repo.Delete(ctx, deviceID); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		return fmt.Errorf("deleting device %s: %w", deviceID, err)
	}
	return nil
}

func (g *Gateway) countCandidate(source string) {
	if g.metrics != nil {
		g.metrics.Candidates.WithLabelValues(source).Inc()
	}
}

func (g *Gateway) setPendingGauge(n int) {
	if g.metrics != nil {
		g.metrics.PendingCompositions.Set(float64(n))
	}
}
