package session

import (
	"sort"

	"go.uber.org/zap"
)

const (
	heartbeatTimeoutCode   = 1006
	heartbeatTimeoutReason = "heartbeat timeout"

	identifyGraceTicks    = 2
	identifyTimeoutReason = "identification timeout"
)

// Sweep runs one heartbeat tick over every tracked connection. Connections
// that have not answered the previous ping are terminated and released; the
// rest are pinged again. Connections still unidentified after
// identifyGraceTicks ticks are closed. It returns the ids of removed
// connections.
func (r *Registry) Sweep() []string {
	r.logger.Debug("sending keepalive",
		zap.Int("devices", len(r.AllConnectedDevices())),
		zap.Int("connections", len(r.conns)))

	var terminated []string
	for _, c := range r.sortedConnections() {
		if c.device == nil {
			c.unidentifiedTicks++
			if c.unidentifiedTicks > identifyGraceTicks {
				r.logger.Info("closing connection that never identified", zap.String("connectionID", c.ID))
				r.drop(c, CloseIdentifyTimeout, identifyTimeoutReason)
				terminated = append(terminated, c.ID)
				continue
			}
		}

		switch c.liveness {
		case AwaitingPong:
			if err := c.transport.Terminate(); err != nil {
				r.logger.Warn("failed to terminate transport", zap.String("connectionID", c.ID), zap.Error(err))
			}
			c.liveness = Terminated
			terminated = append(terminated, c.ID)
			if c.device == nil {
				delete(r.conns, c.ID)
				continue
			}
			r.Release(c.ID, heartbeatTimeoutCode, heartbeatTimeoutReason)
		case Alive:
			c.liveness = AwaitingPong
			if err := c.transport.Ping(); err != nil {
				r.logger.Warn("failed to send ping", zap.String("connectionID", c.ID), zap.Error(err))
			}
		}
	}
	return terminated
}

// Pong records a heartbeat acknowledgment.
func (r *Registry) Pong(connID string) {
	c, ok := r.conns[connID]
	if !ok || c.liveness == Terminated {
		return
	}
	c.liveness = Alive
}

func (r *Registry) sortedConnections() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}
