package composer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
)

// DefaultBatteryWindow is how long a sleeping device stays available after
// its last update.
const DefaultBatteryWindow = 13 * time.Hour

// Logger defines the logging interface used by the composer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Probe reports the configured mode of polymorphic hardware, typically by
// reading the device's /settings document.
type Probe interface {
	Mode(ctx context.Context) (string, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (string, error)

// Mode calls f.
func (f ProbeFunc) Mode(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticProbe always reports the same mode.
type StaticProbe string

// Mode returns the probe's value.
func (p StaticProbe) Mode(context.Context) (string, error) {
	return string(p), nil
}

// Replacer swaps a device's units. *device.Engine implements it.
type Replacer interface {
	ReplaceUnits(deviceID, mode string, units []device.Unit) (device.Device, error)
}

// Composition is the result of composing one device.
type Composition struct {
	Type             string
	Mode             string
	Units            []device.Unit
	UnavailableAfter time.Duration
	Battery          bool
}

// NewDevice turns the composition into an engine registration.
func (c Composition) NewDevice(deviceID, address string) device.NewDevice {
	return device.NewDevice{
		ID:               deviceID,
		Type:             c.Type,
		Address:          address,
		Mode:             c.Mode,
		UnavailableAfter: c.UnavailableAfter,
		Units:            c.Units,
	}
}

// Options configures a Composer.
type Options struct {
	// BatteryWindow is the availability window of sleeping hardware.
	// Defaults to DefaultBatteryWindow.
	BatteryWindow time.Duration
	Logger        Logger
}

// Composer builds unit lists from the catalog.
type Composer struct {
	catalog  Catalog
	replacer Replacer
	window   time.Duration
	logger   Logger
}

// New creates a composer over an immutable catalog. replacer may be nil when
// Recompose is never called.
func New(catalog Catalog, replacer Replacer, opts Options) *Composer {
	if opts.BatteryWindow <= 0 {
		opts.BatteryWindow = DefaultBatteryWindow
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Composer{
		catalog:  catalog,
		replacer: replacer,
		window:   opts.BatteryWindow,
		logger:   opts.Logger,
	}
}

// Catalog returns the composer's catalog.
func (c *Composer) Catalog() Catalog {
	return c.catalog
}

// Compose builds the units of one device.
//
// Polymorphic hardware is probed exactly once. A failed or missing probe
// returns ErrCompositionPending and the caller is expected to retry.
//
// Parameters:
//   - ctx: bounds the probe
//   - deviceID: used for logging only
//   - hwType: catalog type, e.g. "SHSW-25"
//   - probe: mode probe; ignored for fixed hardware
//
// Returns:
//   - Composition: units in composition order, info unit first
//   - error: ErrUnknownHardware or ErrCompositionPending
func (c *Composer) Compose(ctx context.Context, deviceID, hwType string, probe Probe) (Composition, error) {
	model, ok := c.catalog.Lookup(hwType)
	if !ok {
		return Composition{}, fmt.Errorf("%w: %q", ErrUnknownHardware, hwType)
	}

	var mode string
	if model.Polymorphic() {
		if probe == nil {
			return Composition{}, fmt.Errorf("%w: %s has no mode probe", ErrCompositionPending, deviceID)
		}
		probed, err := probe.Mode(ctx)
		if err != nil {
			return Composition{}, fmt.Errorf("%w: probing %s: %w", ErrCompositionPending, deviceID, err)
		}
		mode = model.normalizeMode(probed)
	}

	comp := Composition{
		Type:    model.Type,
		Mode:    mode,
		Units:   model.Units(mode),
		Battery: model.Battery,
	}
	if model.Battery {
		comp.UnavailableAfter = c.window
	}

	c.logger.Debug("device composed",
		"device_id", deviceID,
		"type", hwType,
		"mode", mode,
		"units", len(comp.Units),
	)
	return comp, nil
}

// Recompose composes the device again and swaps its units through the
// engine. Callbacks registered on the old units are released by the swap.
func (c *Composer) Recompose(ctx context.Context, dev device.Device, probe Probe) (device.Device, error) {
	if c.replacer == nil {
		return device.Device{}, errors.New("composer: no unit replacer configured")
	}

	comp, err := c.Compose(ctx, dev.ID, dev.Type, probe)
	if err != nil {
		return device.Device{}, err
	}

	updated, err := c.replacer.ReplaceUnits(dev.ID, comp.Mode, comp.Units)
	if err != nil {
		return device.Device{}, fmt.Errorf("replacing units of %s: %w", dev.ID, err)
	}

	c.logger.Info("device recomposed",
		"device_id", dev.ID,
		"from_mode", dev.Mode,
		"to_mode", comp.Mode,
	)
	return updated, nil
}
