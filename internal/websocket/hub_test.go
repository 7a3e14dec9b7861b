package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/models"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(zap.NewNop())

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := &OriginChecker{
		allowedOrigins: map[string]struct{}{
			"http://localhost:3000": {},
			"https://example.com":   {},
		},
		allowAll: false,
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	checker := &OriginChecker{
		allowAll: true,
	}

	origins := []string{
		"http://localhost:3000",
		"https://evil.com",
		"http://anything.example.org",
	}

	for _, origin := range origins {
		if !checker.Check(origin) {
			t.Errorf("allowAll=true but Check(%q) = false", origin)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(zap.NewNop())
	// Run не запущен: канал broadcast никто не разгружает

	for i := 0; i < 10000; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	if hub.DroppedMessages() == 0 {
		t.Error("expected dropped messages with a full broadcast channel")
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(zap.NewNop())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()

	select {
	case <-done:
		// OK - Run() exited
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

// registerTestClient подключает фиктивного клиента напрямую, без апгрейда
func registerTestClient(hub *Hub) *Client {
	client := &Client{
		hub:  hub,
		send: make(chan []byte, clientSendBufferSize),
	}
	hub.register <- client
	return client
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(hub)

	hub.BroadcastNotification(models.Notification{
		Type:    models.NotifyTradeOpened,
		Level:   models.NotifyInfo,
		Symbol:  "BTCUSDT",
		TradeID: "t1",
		Message: "hedged entry complete",
	})

	select {
	case raw := <-client.send:
		var msg NotificationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("broadcast payload is not valid JSON: %v", err)
		}
		if msg.Type != "notification" {
			t.Errorf("type = %q, want notification", msg.Type)
		}
		if msg.Data.TradeID != "t1" || msg.Data.Symbol != "BTCUSDT" {
			t.Errorf("unexpected payload: %+v", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive broadcast")
	}
}

func TestHub_PumpNotifications(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := registerTestClient(hub)

	events := make(chan models.Notification, 4)
	go hub.PumpNotifications(events)

	events <- models.Notification{Type: models.NotifyRollbackDone, TradeID: "t2", Message: "rollback done"}
	close(events)

	select {
	case raw := <-client.send:
		var msg NotificationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("broadcast payload is not valid JSON: %v", err)
		}
		if msg.Data.Type != models.NotifyRollbackDone {
			t.Errorf("event type = %q, want %q", msg.Data.Type, models.NotifyRollbackDone)
		}
	case <-time.After(time.Second):
		t.Fatal("pumped event did not reach client")
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	// клиент с буфером на одно сообщение и без читателя
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	for i := 0; i < 10; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("slow client was not evicted")
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	event := models.Notification{
		Type:    models.NotifyTradeOpened,
		Level:   models.NotifyInfo,
		Symbol:  "BTCUSDT",
		TradeID: "bench",
		Message: "benchmark message",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastNotification(event)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		originChecker.Check("http://localhost:3000")
	}
}

func BenchmarkHub_ManyClients(b *testing.B) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	// симулируем 100 клиентов
	var clients []*Client
	for i := 0; i < 100; i++ {
		client := &Client{
			hub:  hub,
			send: make(chan []byte, clientSendBufferSize),
		}
		hub.register <- client
		clients = append(clients, client)

		go func(c *Client) {
			for range c.send {
				// discard
			}
		}(client)
	}

	time.Sleep(50 * time.Millisecond)

	msg := map[string]string{"type": "test", "data": "benchmark"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
	b.StopTimer()

	for _, c := range clients {
		hub.unregister <- c
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	// concurrent broadcasts
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	// concurrent ClientCount reads
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}
