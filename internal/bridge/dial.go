// internal/bridge/dial.go
package bridge

import (
	"fmt"

	"github.com/erilali/wsrelay/internal/logger"
)

// Transport kinds accepted by Dial.
const (
	KindNone  = "none"
	KindNATS  = "nats"
	KindRedis = "redis"
)

// Dial opens the transport named by kind. url is a NATS URL or a Redis
// address, depending on kind.
func Dial(kind, url string, log *logger.Logger) (Transport, error) {
	switch kind {
	case KindNATS:
		return DialNATS(url, log)
	case KindRedis:
		return DialRedis(url)
	default:
		return nil, fmt.Errorf("bridge: unknown transport %q", kind)
	}
}
