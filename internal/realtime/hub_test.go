package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cwcrypto/arwen-escrow/internal/registry"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

var (
	handleA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	handleB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &registry.Event{Type: registry.EventClosed, Handle: handleA, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []registry.EventType{registry.EventClosed, registry.EventPreimageRevealed},
	}}

	closed := &registry.Event{Type: registry.EventClosed, Handle: handleA}
	revealed := &registry.Event{Type: registry.EventPreimageRevealed, Handle: handleA}
	opened := &registry.Event{Type: registry.EventOpened, Handle: handleA}

	if !h.shouldSend(client, closed) {
		t.Error("Should receive closed events")
	}
	if !h.shouldSend(client, revealed) {
		t.Error("Should receive preimage_revealed events")
	}
	if h.shouldSend(client, opened) {
		t.Error("Should NOT receive opened events")
	}
}

func TestShouldSend_HandleFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Handles: []string{handleA.Hex()},
	}}

	matching := &registry.Event{Type: registry.EventClosed, Handle: handleA}
	notMatching := &registry.Event{Type: registry.EventClosed, Handle: handleB}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on watched handle")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated handles")
	}
}

func TestShouldSend_HandleFilterCaseInsensitive(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Handles: []string{"0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"},
	}}

	event := &registry.Event{
		Type:   registry.EventOpened,
		Handle: common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"),
	}
	if !h.shouldSend(client, event) {
		t.Error("Handle filter should be case-insensitive")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &registry.Event{Type: registry.EventClosed, Handle: handleA}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_NotifyAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Notify(registry.Event{Type: registry.EventOpened, Handle: handleA, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifyReachesClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Notify(registry.Event{
		Type:      registry.EventFundsTransferred,
		Handle:    handleA,
		Timestamp: time.Now(),
		Amount:    "500",
		Recipient: "0x3333333333333333333333333333333333333333",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants preimage reveals
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []registry.EventType{registry.EventPreimageRevealed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an opened event (should be filtered out)
	h.Notify(registry.Event{Type: registry.EventOpened, Handle: handleA, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive opened event")
	default:
		// Good - filtered out
	}

	// Send a reveal event (should be received)
	h.Notify(registry.Event{Type: registry.EventPreimageRevealed, Handle: handleA, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive preimage_revealed event")
	}
}
