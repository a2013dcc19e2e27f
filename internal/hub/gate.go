package hub

import (
	"context"
	"fmt"

	"github.com/vmorsell/cohort-live/internal/session"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

// pendingLoad is a roster fetch in flight. Every occasion opened while it
// runs waits for it and is rolled back if it fails.
type pendingLoad struct {
	occasions []int64
	done      chan struct{}
	err       error
}

// OccasionOpened records an open occasion and loads its event if it is not
// in memory yet. The event becomes visible to identifying devices only after
// the roster has been fetched.
func (h *Hub) OccasionOpened(ctx context.Context, eventID, occasionID int64) error {
	var (
		pending *pendingLoad
		leader  bool
	)
	// The caller must observe the outcome of this task, so it ignores
	// cancellation; the load below honors ctx.
	err := h.call(context.WithoutCancel(ctx), func() {
		open, ok := h.openOccasions[eventID]
		if !ok {
			open = make(map[int64]struct{})
			h.openOccasions[eventID] = open
		}
		open[occasionID] = struct{}{}

		if _, loaded := h.registry.Event(eventID); loaded {
			return
		}
		pending, ok = h.loading[eventID]
		if !ok {
			pending = &pendingLoad{done: make(chan struct{})}
			h.loading[eventID] = pending
			leader = true
		}
		pending.occasions = append(pending.occasions, occasionID)
	})
	if err != nil || pending == nil {
		return err
	}

	if !leader {
		select {
		case <-pending.done:
			return pending.err
		case <-h.stopped:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	roster, loadErr := h.store.LoadEventWithDevices(ctx, eventID)
	if loadErr != nil {
		loadErr = fmt.Errorf("load event %d: %w", eventID, loadErr)
	}
	err = h.call(context.WithoutCancel(ctx), func() {
		delete(h.loading, eventID)
		pending.err = loadErr
		defer close(pending.done)

		if loadErr != nil {
			for _, id := range pending.occasions {
				h.forgetOccasion(eventID, id)
			}
			return
		}
		if len(h.openOccasions[eventID]) == 0 {
			h.logger.Info("event closed while loading, discarding roster", zap.Int64("eventID", eventID))
			return
		}
		if err := h.registry.Load(session.NewEvent(roster)); err != nil {
			h.logger.Warn("failed to load event", zap.Int64("eventID", eventID), zap.Error(err))
		}
	})
	if loadErr != nil {
		return loadErr
	}
	return err
}

// OccasionClosed unloads the event once its last open occasion closes,
// force-closing every live connection of the event.
func (h *Hub) OccasionClosed(ctx context.Context, eventID, occasionID int64) error {
	return h.call(ctx, func() {
		h.forgetOccasion(eventID, occasionID)
		if len(h.openOccasions[eventID]) > 0 {
			h.logger.Info("occasion closed, event stays open",
				zap.Int64("eventID", eventID),
				zap.Int64("occasionID", occasionID),
				zap.Int("openOccasions", len(h.openOccasions[eventID])))
			return
		}

		ev, ok := h.registry.Event(eventID)
		if !ok {
			return
		}
		h.registry.Unload(eventID, session.CloseEventClosing, fmt.Sprintf("cohort event %s is closing", ev.Label))
	})
}

// DeviceRegistered adds a freshly registered device to the live roster when
// its event is open.
func (h *Hub) DeviceRegistered(ctx context.Context, eventID int64, device model.Device) error {
	return h.call(ctx, func() {
		h.registry.CheckIn(eventID, &session.Device{
			ID:        device.GUID,
			IsAdmin:   device.IsAdmin,
			PushToken: device.PushToken,
		})
	})
}

// Bootstrap replays every occasion stored as open, so a restarted process
// serves the same events. Live sessions are not restored.
func (h *Hub) Bootstrap(ctx context.Context) error {
	occasions, err := h.store.ListOpenOccasions(ctx)
	if err != nil {
		return fmt.Errorf("list open occasions: %w", err)
	}
	for _, o := range occasions {
		if err := h.OccasionOpened(ctx, o.EventID, o.ID); err != nil {
			h.logger.Error("failed to restore open occasion",
				zap.Int64("eventID", o.EventID),
				zap.Int64("occasionID", o.ID),
				zap.Error(err))
		}
	}
	h.logger.Info("restored open occasions", zap.Int("occasions", len(occasions)))
	return nil
}

func (h *Hub) forgetOccasion(eventID, occasionID int64) {
	open := h.openOccasions[eventID]
	delete(open, occasionID)
	if len(open) == 0 {
		delete(h.openOccasions, eventID)
	}
}
