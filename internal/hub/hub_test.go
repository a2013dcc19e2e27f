package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vmorsell/cohort-live/internal/session"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu        sync.Mutex
	rosters   map[int64]*model.EventRoster
	occasions []model.Occasion
	loadErr   error
	loads     int
	// hold, when set, receives once when a load starts and once more to let
	// it finish.
	hold chan struct{}
}

func (s *fakeStore) LoadEventWithDevices(ctx context.Context, eventID int64) (*model.EventRoster, error) {
	if s.hold != nil {
		s.hold <- struct{}{}
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	roster, ok := s.rosters[eventID]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *roster
	copied.Devices = append([]model.Device(nil), roster.Devices...)
	return &copied, nil
}

func (s *fakeStore) ListOpenOccasions(ctx context.Context) ([]model.Occasion, error) {
	return s.occasions, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []string
	pings      int
	closeCode  int
	terminated bool
	onPing     func()
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	f.pings++
	onPing := f.onPing
	f.mu.Unlock()
	if onPing != nil {
		go onPing()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeTransport) snapshot() (sent []string, closeCode int, terminated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.closeCode, f.terminated
}

func galaStore() *fakeStore {
	return &fakeStore{rosters: map[int64]*model.EventRoster{
		2: {
			Event:   model.Event{ID: 2, Label: "premiere"},
			Devices: []model.Device{{GUID: "A", IsAdmin: true}, {GUID: "B"}},
		},
	}}
}

func startHub(t *testing.T, store Store, interval time.Duration) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New(zaptest.NewLogger(t), store, interval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

// flush waits until every previously queued task has run.
func flush(t *testing.T, h *Hub) {
	t.Helper()
	if err := h.call(context.Background(), func() {}); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func connectDevice(t *testing.T, h *Hub, connID, payload string) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	h.Connect(connID, tr)
	h.Message(connID, []byte(payload))
	flush(t, h)
	return tr
}

func TestHub_IdentifyOpenEvent(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)
	ctx := context.Background()
	if err := h.OccasionOpened(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}

	admin := connectDevice(t, h, "ca", `{"deviceId":"A","eventId":2}`)
	b := connectDevice(t, h, "cb", `{"deviceId":"B","eventId":"2"}`)

	sent, _, _ := b.snapshot()
	if len(sent) != 1 || sent[0] != `{"result":"success"}` {
		t.Fatalf("expected success reply, got %v", sent)
	}
	adminSent, _, _ := admin.snapshot()
	want := `{"eventId":2,"status":[{"id":"A","connected":true},{"id":"B","connected":true}]}`
	if adminSent[len(adminSent)-1] != want {
		t.Errorf("unexpected broadcast\n got: %s\nwant: %s", adminSent[len(adminSent)-1], want)
	}

	states, found, err := h.Status(ctx, 2)
	if err != nil || !found {
		t.Fatalf("Status failed: found=%v err=%v", found, err)
	}
	if len(states) != 2 || !states[0].Connected || !states[1].Connected {
		t.Errorf("unexpected states: %+v", states)
	}
}

func TestHub_LegacyGUIDField(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)
	if err := h.OccasionOpened(context.Background(), 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}

	b := connectDevice(t, h, "cb", `{"guid":"B","eventId":2}`)

	if sent, _, _ := b.snapshot(); len(sent) != 1 {
		t.Errorf("expected success reply, got %v", sent)
	}
}

func TestHub_IgnoresMalformedMessages(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)
	if err := h.OccasionOpened(context.Background(), 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}

	for _, payload := range []string{`{not json`, `{"hello":"world"}`, `{"deviceId":"B"}`, `{"deviceId":"B","eventId":"two"}`, `[1,2]`} {
		tr := connectDevice(t, h, "c1", payload)
		sent, code, terminated := tr.snapshot()
		if len(sent) != 0 || code != 0 || terminated {
			t.Errorf("%s: expected no reply and an open connection, got sent=%v code=%d", payload, sent, code)
		}
	}

	// The connection can still identify afterwards.
	h.Message("c1", []byte(`{"deviceId":"B","eventId":2}`))
	flush(t, h)
	_, connected, err := h.Stats(context.Background())
	if err != nil || connected != 1 {
		t.Errorf("expected 1 connected device, got %d (err %v)", connected, err)
	}
}

func TestHub_RejectsUnopenedEvent(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)

	tr := connectDevice(t, h, "c1", `{"deviceId":"B","eventId":2}`)

	if _, code, _ := tr.snapshot(); code != session.CloseEventNotOpen {
		t.Errorf("expected close code %d, got %d", session.CloseEventNotOpen, code)
	}
}

func TestHub_LastOccasionClosedUnloadsEvent(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)
	ctx := context.Background()
	if err := h.OccasionOpened(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}
	b := connectDevice(t, h, "cb", `{"deviceId":"B","eventId":2}`)

	if err := h.OccasionClosed(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionClosed failed: %v", err)
	}
	if _, code, _ := b.snapshot(); code != session.CloseEventClosing {
		t.Errorf("expected close code %d, got %d", session.CloseEventClosing, code)
	}
	h.Disconnect("cb", session.CloseEventClosing, "")

	if _, found, _ := h.Status(ctx, 2); found {
		t.Error("event still loaded after last occasion closed")
	}

	late := connectDevice(t, h, "late", `{"deviceId":"B","eventId":2}`)
	if _, code, _ := late.snapshot(); code != session.CloseEventNotOpen {
		t.Errorf("expected close code %d, got %d", session.CloseEventNotOpen, code)
	}
}

func TestHub_EventStaysOpenWhileOccasionsRemain(t *testing.T) {
	store := galaStore()
	h, _ := startHub(t, store, time.Hour)
	ctx := context.Background()
	for _, occasionID := range []int64{10, 11} {
		if err := h.OccasionOpened(ctx, 2, occasionID); err != nil {
			t.Fatalf("OccasionOpened failed: %v", err)
		}
	}
	if store.loads != 1 {
		t.Errorf("expected the roster to be loaded once, got %d", store.loads)
	}
	b := connectDevice(t, h, "cb", `{"deviceId":"B","eventId":2}`)

	if err := h.OccasionClosed(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionClosed failed: %v", err)
	}
	if _, code, _ := b.snapshot(); code != 0 {
		t.Errorf("connection closed while an occasion is still open (code %d)", code)
	}
	if _, found, _ := h.Status(ctx, 2); !found {
		t.Error("event unloaded while an occasion is still open")
	}

	if err := h.OccasionClosed(ctx, 2, 11); err != nil {
		t.Fatalf("OccasionClosed failed: %v", err)
	}
	if _, found, _ := h.Status(ctx, 2); found {
		t.Error("event still loaded after last occasion closed")
	}
}

func TestHub_OccasionOpened_LoadError(t *testing.T) {
	store := galaStore()
	store.loadErr = errors.New("throttled")
	h, _ := startHub(t, store, time.Hour)
	ctx := context.Background()

	if err := h.OccasionOpened(ctx, 2, 10); err == nil {
		t.Fatal("expected load error")
	}
	if _, found, _ := h.Status(ctx, 2); found {
		t.Fatal("event loaded despite storage failure")
	}

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	if err := h.OccasionOpened(ctx, 2, 10); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, found, _ := h.Status(ctx, 2); !found {
		t.Error("event not loaded after retry")
	}
}

func TestHub_OccasionOpened_CancelledWhileQueued(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)

	release := make(chan struct{})
	h.post(func() { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.OccasionOpened(ctx, 2, 10) }()
	cancel()
	close(release)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("OccasionOpened did not return")
	}

	if err := h.OccasionOpened(context.Background(), 2, 11); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}
	if _, found, err := h.Status(context.Background(), 2); err != nil || !found {
		t.Errorf("event not loaded after a cancelled open: found=%v err=%v", found, err)
	}

	var loading int
	if err := h.call(context.Background(), func() { loading = len(h.loading) }); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if loading != 0 {
		t.Errorf("expected no loads in flight, got %d", loading)
	}
}

func TestHub_OccasionOpened_LoadErrorReachesEveryWaiter(t *testing.T) {
	store := galaStore()
	store.hold = make(chan struct{})
	store.loadErr = errors.New("throttled")
	h, _ := startHub(t, store, time.Hour)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- h.OccasionOpened(ctx, 2, 10) }()
	<-store.hold

	second := make(chan error, 1)
	go func() { second <- h.OccasionOpened(ctx, 2, 11) }()
	deadline := time.After(2 * time.Second)
	for {
		var recorded int
		if err := h.call(ctx, func() { recorded = len(h.openOccasions[2]) }); err != nil {
			t.Fatalf("call failed: %v", err)
		}
		if recorded == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second occasion was never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	store.hold <- struct{}{}

	for name, ch := range map[string]chan error{"first": first, "second": second} {
		select {
		case err := <-ch:
			if err == nil {
				t.Errorf("%s open: expected load error", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s open did not return", name)
		}
	}
	if store.loads != 1 {
		t.Errorf("expected a single roster load, got %d", store.loads)
	}

	var open int
	if err := h.call(ctx, func() { open = len(h.openOccasions) }); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if open != 0 {
		t.Errorf("expected failed occasions to be forgotten, got %d events with open occasions", open)
	}
}

func TestHub_DeviceRegistered(t *testing.T) {
	h, _ := startHub(t, galaStore(), time.Hour)
	ctx := context.Background()
	if err := h.OccasionOpened(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}

	if err := h.DeviceRegistered(ctx, 2, model.Device{GUID: "C"}); err != nil {
		t.Fatalf("DeviceRegistered failed: %v", err)
	}
	c := connectDevice(t, h, "cc", `{"deviceId":"C","eventId":2}`)

	if sent, code, _ := c.snapshot(); len(sent) != 1 || code != 0 {
		t.Errorf("expected newly registered device to be admitted, got sent=%v code=%d", sent, code)
	}
}

func TestHub_Bootstrap(t *testing.T) {
	store := galaStore()
	store.occasions = []model.Occasion{{ID: 10, EventID: 2, IsOpen: true}, {ID: 12, EventID: 4, IsOpen: true}}
	h, _ := startHub(t, store, time.Hour)
	ctx := context.Background()

	if err := h.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	events, _, err := h.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if events != 1 {
		t.Errorf("expected 1 loaded event, got %d", events)
	}
}

func TestHub_HeartbeatEviction(t *testing.T) {
	const interval = 50 * time.Millisecond
	h, _ := startHub(t, galaStore(), interval)
	ctx := context.Background()
	if err := h.OccasionOpened(ctx, 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}

	admin := &fakeTransport{}
	admin.onPing = func() { h.Pong("ca") }
	h.Connect("ca", admin)
	h.Message("ca", []byte(`{"deviceId":"A","eventId":2}`))
	silent := connectDevice(t, h, "cb", `{"deviceId":"B","eventId":2}`)

	deadline := time.After(2 * time.Second)
	for {
		if _, _, terminated := silent.snapshot(); terminated {
			break
		}
		select {
		case <-deadline:
			t.Fatal("silent connection was never terminated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	flush(t, h)

	if _, _, terminated := admin.snapshot(); terminated {
		t.Error("responsive connection was terminated")
	}
	sent, _, _ := admin.snapshot()
	want := `{"eventId":2,"status":[{"id":"A","connected":true},{"id":"B","connected":false}]}`
	if sent[len(sent)-1] != want {
		t.Errorf("unexpected broadcast\n got: %s\nwant: %s", sent[len(sent)-1], want)
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	h, cancel := startHub(t, galaStore(), time.Hour)
	if err := h.OccasionOpened(context.Background(), 2, 10); err != nil {
		t.Fatalf("OccasionOpened failed: %v", err)
	}
	b := connectDevice(t, h, "cb", `{"deviceId":"B","eventId":2}`)
	pending := &fakeTransport{}
	h.Connect("cp", pending)
	flush(t, h)

	cancel()
	<-h.stopped
	// Run clears the registry right after closing stopped.
	deadline := time.After(time.Second)
	for {
		_, bCode, _ := b.snapshot()
		_, pCode, _ := pending.snapshot()
		if bCode == closeGoingAway && pCode == closeGoingAway {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected both connections closed with %d, got %d and %d", closeGoingAway, bCode, pCode)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := h.OccasionOpened(context.Background(), 2, 11); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
