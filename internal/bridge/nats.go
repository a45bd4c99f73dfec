// internal/bridge/nats.go
package bridge

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/erilali/wsrelay/internal/logger"
)

const natsClientName = "wsrelay"

// NATSTransport publishes and subscribes over core NATS.
type NATSTransport struct {
	nc *nats.Conn
}

// DialNATS connects to url, reconnecting forever once connected.
func DialNATS(url string, log *logger.Logger) (*NATSTransport, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if log == nil {
		log = logger.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(natsClientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSTransport{nc: nc}, nil
}

func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.nc.Publish(subject, data)
}

func (t *NATSTransport) Subscribe(subject string, fn func(data []byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages before closing the connection.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}

func (t *NATSTransport) Name() string { return "nats" }
