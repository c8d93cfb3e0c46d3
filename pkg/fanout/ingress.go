package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/registry"
)

// Ingress consumes machine events from NATS and routes them into the
// registry. Subjects follow <prefix>.events.<machineId>.<eventType>; the
// message body is the JSON payload registered for the event type.
type Ingress struct {
	conn     *nats.Conn
	registry *registry.Registry
	types    *event.TypeRegistry
	prefix   string
	logger   core.Logger
	sub      *nats.Subscription
}

// NewIngress connects and subscribes. Events for unregistered types are
// rejected and logged.
func NewIngress(url, prefix string, reg *registry.Registry, types *event.TypeRegistry, logger core.Logger) (*Ingress, error) {
	if prefix == "" {
		prefix = "stator"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	in := &Ingress{conn: conn, registry: reg, types: types, prefix: prefix, logger: logger}
	sub, err := conn.Subscribe(prefix+".events.>", in.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s.events.>: %w", prefix, err)
	}
	in.sub = sub
	return in, nil
}

func (in *Ingress) handle(msg *nats.Msg) {
	// <prefix>.events.<machineId>.<eventType>
	parts := strings.Split(msg.Subject, ".")
	if len(parts) < 4 {
		in.logger.Warnf("malformed event subject %s", msg.Subject)
		return
	}
	machineID := parts[len(parts)-2]
	eventType := parts[len(parts)-1]

	// Unregistered types are rejected whether or not a body is present.
	if !in.types.Known(eventType) {
		in.logger.Warnf("unknown event type %s for machine %s", eventType, machineID)
		return
	}

	var e event.Event
	if len(msg.Data) > 0 {
		decoded, err := in.types.Decode(eventType, msg.Data)
		if err != nil {
			in.logger.Warnf("decode %s for machine %s: %v", eventType, machineID, err)
			return
		}
		e = decoded
	} else {
		e = event.New(eventType, nil)
	}

	res := in.registry.Fire(context.Background(), machineID, e)
	if res.Outcome == registry.Failed {
		in.logger.Errorf("event %s for machine %s failed: %v", eventType, machineID, res.Err)
	}
}

// Close unsubscribes and closes the connection.
func (in *Ingress) Close() {
	if in.sub != nil {
		in.sub.Unsubscribe()
	}
	if in.conn != nil {
		in.conn.Close()
	}
}
