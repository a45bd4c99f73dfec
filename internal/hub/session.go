// internal/hub/session.go
package hub

import (
	"sync"
	"time"
)

// session is one open connection owned by the hub.
type session struct {
	id          string
	conn        Conn
	connectedAt time.Time

	closeOnce sync.Once
}

// close closes the underlying connection once; later calls are no-ops.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
