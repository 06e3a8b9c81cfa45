package chat

import (
	"fmt"
	"sync"
	"testing"
)

func TestAddAndGet(t *testing.T) {
	mb := NewMessageBuffer(5)

	mb.Add("room1", BufferedMessage{ID: "1", Sender: "a", Content: "hello", Ts: 1})
	mb.Add("room1", BufferedMessage{ID: "2", Sender: "b", Content: "hi", Ts: 2})
	mb.Add("room1", BufferedMessage{ID: "3", Sender: "a", Content: "how are you?", Ts: 3})

	msgs := mb.Get("room1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Content)
	}
	if msgs[2].Content != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Content)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	mb := NewMessageBuffer(5)

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		mb.Add("room1", BufferedMessage{
			ID:      fmt.Sprintf("m%d", i),
			Sender:  "sender",
			Content: fmt.Sprintf("msg-%d", i),
			Ts:      int64(i),
		})
	}

	msgs := mb.Get("room1")
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Content != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Content)
		}
	}

	if _, ok := mb.Find("room1", "m2"); ok {
		t.Error("overwritten message m2 still found")
	}
	if m, ok := mb.Find("room1", "m7"); !ok || m.Content != "msg-7" {
		t.Errorf("expected m7, got %+v ok=%v", m, ok)
	}
}

func TestDefaultSize(t *testing.T) {
	mb := NewMessageBuffer(0)
	for i := 0; i < DefaultBufferSize+10; i++ {
		mb.Add("room1", BufferedMessage{ID: fmt.Sprint(i)})
	}
	if got := len(mb.Get("room1")); got != DefaultBufferSize {
		t.Fatalf("expected %d messages, got %d", DefaultBufferSize, got)
	}
}

func TestGetNonExistentRoom(t *testing.T) {
	mb := NewMessageBuffer(5)

	msgs := mb.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
	if _, ok := mb.Find("does-not-exist", "x"); ok {
		t.Fatal("expected Find to miss")
	}
}

func TestUpdate(t *testing.T) {
	mb := NewMessageBuffer(5)
	mb.Add("room1", BufferedMessage{ID: "1", Sender: "a", Content: "helo"})

	ok := mb.Update("room1", "1", func(m *BufferedMessage) { m.Content = "hello" })
	if !ok {
		t.Fatal("expected update to find message")
	}
	if m, _ := mb.Find("room1", "1"); m.Content != "hello" {
		t.Errorf("expected edited content, got %q", m.Content)
	}
	if mb.Update("room1", "2", func(*BufferedMessage) {}) {
		t.Error("update of unknown message reported success")
	}
	if mb.Update("room2", "1", func(*BufferedMessage) {}) {
		t.Error("update in unknown room reported success")
	}
}

func TestRemove(t *testing.T) {
	mb := NewMessageBuffer(5)

	mb.Add("room1", BufferedMessage{ID: "1", Content: "hello", Ts: 1})
	mb.Add("room2", BufferedMessage{ID: "2", Content: "hi", Ts: 2})

	mb.Remove("room1")
	mb.Remove("does-not-exist")

	if msgs := mb.Get("room1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
	if mb.Len() != 1 {
		t.Fatalf("expected 1 buffered room, got %d", mb.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer(5)
	roomID := "concurrent-room"
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				msgID := fmt.Sprintf("g%d-m%d", id, m)
				mb.Add(roomID, BufferedMessage{ID: msgID, Sender: fmt.Sprintf("sender-%d", id)})
				// Interleave reads to stress the RWMutex.
				_ = mb.Get(roomID)
				_, _ = mb.Find(roomID, msgID)
			}
		}(g)
	}

	wg.Wait()

	if msgs := mb.Get(roomID); len(msgs) != 5 {
		t.Fatalf("expected 5 messages after concurrent writes, got %d", len(msgs))
	}
}
