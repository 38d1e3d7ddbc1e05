package gateway

import (
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
)

// macLength is the length of a normalised MAC, the canonical device ID.
const macLength = 12

// directory maps the names devices use on the wire to device IDs.
//
// Devices identify themselves three ways: by MAC over HTTP, by MQTT client
// name ("shelly1-B929CC"), and by a hardware id in CoIoT and MQTT names that
// older firmware shortens to the last six hex digits of the MAC.
type directory struct {
	mu      sync.RWMutex
	names   map[string]string // MQTT client name -> device ID
	aliases map[string]string // short hardware id -> device ID
}

func newDirectory() *directory {
	return &directory{
		names:   make(map[string]string),
		aliases: make(map[string]string),
	}
}

func (d *directory) byName(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.names[name]
	return id, ok
}

func (d *directory) setName(name, deviceID string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[name] = deviceID
}

func (d *directory) alias(short string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.aliases[short]
	return id, ok
}

func (d *directory) setAlias(short, deviceID string) {
	if short == "" || short == deviceID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[short] = deviceID
}

// forget drops every name and alias pointing at deviceID.
func (d *directory) forget(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, id := range d.names {
		if id == deviceID {
			delete(d.names, name)
		}
	}
	for short, id := range d.aliases {
		if id == deviceID {
			delete(d.aliases, short)
		}
	}
}

// resolveID maps a hardware id from the wire to a known device ID. For an
// unknown id it returns the normalised id and false.
func (g *Gateway) resolveID(raw string) (string, bool) {
	id := device.NormalizeID(raw)
	if id == "" {
		return "", false
	}
	if _, err := g.engine.Get(id); err == nil {
		return id, true
	}
	if full, ok := g.dir.alias(id); ok {
		return full, true
	}
	if len(id) >= macLength {
		return id, false
	}

	for _, known := range g.engine.IDs() {
		if strings.HasSuffix(known, id) {
			g.dir.setAlias(id, known)
			return known, true
		}
	}
	return id, false
}

// splitName splits an MQTT client name at its last dash into the model
// prefix and the hardware id.
func splitName(name string) (prefix, id string, ok bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return strings.ToLower(name[:i]), name[i+1:], true
}
