// Package fanout bridges registry notifications onto NATS subjects so
// external consumers (dashboards, CDR pipelines) can follow machine
// lifecycles without registering in-process listeners.
package fanout

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/registry"
)

// Bridge publishes notifications to <prefix>.registry.<type> subjects.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	logger core.Logger
}

// NewBridge connects to the NATS server. The connection reconnects
// indefinitely; notifications published while disconnected are dropped.
func NewBridge(url, prefix string, logger core.Logger) (*Bridge, error) {
	if prefix == "" {
		prefix = "stator"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Bridge{conn: conn, prefix: prefix, logger: logger}, nil
}

// Attach registers the bridge as a registry listener.
func (b *Bridge) Attach(r *registry.Registry) {
	r.AddListener(b.Publish)
}

// Publish sends one notification. Errors are logged, never propagated;
// the registry's firing path does not depend on the bus.
func (b *Bridge) Publish(n registry.Notification) {
	data, err := core.JSONEncode(n)
	if err != nil {
		b.logger.Errorf("encode notification %s for %s: %v", n.Type, n.MachineID, err)
		return
	}
	if err := b.conn.Publish(b.Subject(n.Type), data); err != nil {
		b.logger.Warnf("publish %s for %s: %v", n.Type, n.MachineID, err)
	}
}

// Subject returns the NATS subject for a notification type.
func (b *Bridge) Subject(t registry.NotificationType) string {
	return b.prefix + ".registry." + strings.ToLower(string(t))
}

// Close flushes pending publishes and closes the connection.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
