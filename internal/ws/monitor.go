package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/danielhooper/sketchroom/internal/room"
)

// DefaultHeartbeatInterval is how often the monitor sweeps the live set.
// A connection has one full cycle to answer its probe before it is
// treated as dead.
const DefaultHeartbeatInterval = 30 * time.Second

// Monitor periodically proves connections alive and routes ones that are
// not through the coordinator's leave path. It is the sole mechanism
// that reclaims resources for clients that disappear without an explicit
// leave message.
type Monitor struct {
	reg      *Registry
	coord    *Coordinator
	interval time.Duration
}

// NewMonitor creates a liveness monitor sweeping at the given interval.
func NewMonitor(reg *Registry, coord *Coordinator, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Monitor{reg: reg, coord: coord, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one heartbeat cycle: connections that failed to prove
// themselves alive since the previous cycle are removed from their room
// and closed; the rest have their flag cleared and are probed again.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, c := range m.reg.Snapshot() {
		if !c.Alive() {
			log.Printf("ws: user %s in room %s failed liveness probe, disconnecting", c.userID, c.roomID)
			if _, _, err := m.coord.Leave(ctx, c.roomID, c.userID); err != nil && !errors.Is(err, room.ErrNotFound) {
				log.Printf("ws: leave after failed probe for user %s: %v", c.userID, err)
			}
			continue
		}

		c.ClearAlive()
		go m.probe(c)
	}
}

// probe pings the peer and restores the liveness flag on response. The
// ping is bounded by the sweep interval so a response after the next
// cycle no longer counts.
func (m *Monitor) probe(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	if err := c.ws.Ping(ctx); err == nil {
		c.MarkAlive()
	}
}
