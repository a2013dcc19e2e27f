// Package hub runs the session registry on a single goroutine. Socket
// callbacks, heartbeat ticks and occasion transitions are queued as tasks and
// executed one at a time, so the registry never sees concurrent mutation.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/vmorsell/cohort-live/internal/session"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second

	taskQueueSize = 256

	closeGoingAway      = 1001
	shutdownCloseReason = "server shutting down"
)

var ErrStopped = errors.New("hub stopped")

// Store is the read side of event storage the gate needs.
type Store interface {
	LoadEventWithDevices(ctx context.Context, eventID int64) (*model.EventRoster, error)
	ListOpenOccasions(ctx context.Context) ([]model.Occasion, error)
}

type Hub struct {
	logger   *zap.Logger
	registry *session.Registry
	store    Store
	interval time.Duration

	tasks   chan func()
	stopped chan struct{}

	// Owned by the run loop.
	openOccasions map[int64]map[int64]struct{}
	loading       map[int64]*pendingLoad
}

func New(logger *zap.Logger, store Store, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		logger:        logger,
		registry:      session.NewRegistry(logger.Named("registry")),
		store:         store,
		interval:      heartbeatInterval,
		tasks:         make(chan func(), taskQueueSize),
		stopped:       make(chan struct{}),
		openOccasions: make(map[int64]map[int64]struct{}),
		loading:       make(map[int64]*pendingLoad),
	}
}

// Run executes queued tasks and heartbeat sweeps until ctx is done, then
// closes every live connection and clears the registry.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case task := <-h.tasks:
			task()
		case <-ticker.C:
			h.sweep()
		case <-ctx.Done():
			close(h.stopped)
			h.registry.Clear(closeGoingAway, shutdownCloseReason)
			h.openOccasions = make(map[int64]map[int64]struct{})
			h.logger.Info("hub stopped")
			return
		}
	}
}

func (h *Hub) sweep() {
	terminated := h.registry.Sweep()
	if len(terminated) > 0 {
		h.logger.Info("terminated unresponsive connections", zap.Strings("connectionIDs", terminated))
	}
}

// post queues fn without waiting for it to run.
func (h *Hub) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.stopped:
	}
}

// call queues fn and waits until it has run.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}

	select {
	case h.tasks <- task:
	case <-h.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a new, not yet identified connection.
func (h *Hub) Connect(id string, t session.Transport) {
	h.post(func() {
		h.registry.Accept(session.NewConnection(id, t))
	})
}

func (h *Hub) Message(id string, data []byte) {
	h.post(func() {
		h.dispatch(id, data)
	})
}

func (h *Hub) Pong(id string) {
	h.post(func() {
		h.registry.Pong(id)
	})
}

// Disconnect releases the connection after the peer closed it or the
// transport failed.
func (h *Hub) Disconnect(id string, code int, reason string) {
	h.post(func() {
		h.registry.Release(id, code, reason)
	})
}

// Status returns the presence snapshot of an open event.
func (h *Hub) Status(ctx context.Context, eventID int64) ([]model.DeviceState, bool, error) {
	var (
		states []model.DeviceState
		found  bool
	)
	err := h.call(ctx, func() {
		ev, ok := h.registry.Event(eventID)
		if !ok {
			return
		}
		found = true
		states = h.registry.Snapshot(ev)
	})
	return states, found, err
}

// Stats reports loaded events and connected devices.
func (h *Hub) Stats(ctx context.Context) (events, connected int, err error) {
	err = h.call(ctx, func() {
		events = len(h.registry.Events())
		connected = len(h.registry.AllConnectedDevices())
	})
	return events, connected, err
}
