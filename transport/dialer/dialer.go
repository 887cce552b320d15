// Package dialer picks a concrete transport from the URL scheme.
package dialer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/risa-org/matchlink/transport"
	"github.com/risa-org/matchlink/transport/tcp"
	"github.com/risa-org/matchlink/transport/websocket"
)

// Multi dispatches Dial calls by scheme. ws and wss go to the websocket
// transport, tcp to the length-prefixed TCP transport.
type Multi struct {
	schemes map[string]transport.Dialer
}

// New returns a Multi with the built-in transports registered.
func New(timeout time.Duration) *Multi {
	ws := websocket.Dialer{}
	return &Multi{schemes: map[string]transport.Dialer{
		"ws":  ws,
		"wss": ws,
		"tcp": tcp.Dialer{Timeout: timeout},
	}}
}

// Register adds or replaces the dialer for a scheme.
func (m *Multi) Register(scheme string, d transport.Dialer) {
	m.schemes[strings.ToLower(scheme)] = d
}

func (m *Multi) Dial(ctx context.Context, rawURL string) (transport.Adapter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dialer: parse %q: %w", rawURL, err)
	}
	d, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnsupportedScheme, u.Scheme)
	}
	return d.Dial(ctx, rawURL)
}
