package shellyhttp

import (
	"context"
	"fmt"
	"strings"
)

// Identity is the answer of GET /shelly.
type Identity struct {
	Type     string
	MAC      string
	Firmware string
	Auth     bool
	Address  string
}

// Identify resolves a candidate address into a device identity.
func (c *Client) Identify(ctx context.Context, host string) (Identity, error) {
	doc, err := c.Fetch(ctx, host, "/shelly")
	if err != nil {
		return Identity{}, err
	}

	obj, _ := doc.(map[string]any)
	id := Identity{
		Type:     stringField(obj, "type"),
		MAC:      stringField(obj, "mac"),
		Firmware: stringField(obj, "fw"),
		Address:  host,
	}
	id.Auth, _ = obj["auth"].(bool)

	if id.Type == "" || id.MAC == "" {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotShelly, host)
	}
	return id, nil
}

// Mode reads the configured mode from GET /settings. Devices without modes
// answer with an empty string.
func (c *Client) Mode(ctx context.Context, host string) (string, error) {
	doc, err := c.Fetch(ctx, host, "/settings")
	if err != nil {
		return "", err
	}
	obj, _ := doc.(map[string]any)
	return strings.ToLower(stringField(obj, "mode")), nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}
