package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/rendezvous/internal/loadtest"
	"github.com/whisper/rendezvous/internal/protocol"
)

const fakeSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// runMatch connects users in waves, queues them for matchmaking and has every
// matched pair complete one offer/answer exchange through the server. Match
// latency runs from start-looking to matched, signal latency from sending the
// offer to receiving the answer.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of simulated users (rounded down to an even number)")
	concurrency := fs.Int("concurrency", 50, "Maximum users in flight at once")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-user timeout for the whole flow")
	fs.Parse(args)

	n := *users - *users%2
	fmt.Printf("Match test: %d users against %s (concurrency=%d, timeout=%s)\n", n, *url, *concurrency, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			userCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			if err := runMatchUser(userCtx, *url, fmt.Sprintf("user-%d", i), collector); err != nil {
				collector.AddError()
			}
		}(i)
	}
	wg.Wait()

	collector.Report(os.Stdout)
}

func runMatchUser(ctx context.Context, url, name string, collector *loadtest.Collector) error {
	c, err := loadtest.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WaitForSession(ctx); err != nil {
		return err
	}
	collector.AddConnect(c.Metrics().ConnectLatency)

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	var (
		lookingAt time.Time
		offeredAt time.Time
		mu        sync.Mutex
	)

	c.On(protocol.TypeMatched, func(raw json.RawMessage) {
		var m protocol.MatchedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			finish(err)
			return
		}
		mu.Lock()
		collector.Add("match", time.Since(lookingAt))
		mu.Unlock()
		if !m.IsOfferer {
			return
		}

		mu.Lock()
		offeredAt = time.Now()
		mu.Unlock()
		err := c.Send(protocol.SignalMsg{
			Type:    protocol.TypeOffer,
			RoomID:  m.RoomID,
			Payload: sessionDescription("offer"),
		})
		if err != nil {
			finish(err)
		}
	})

	c.On(protocol.TypeOffer, func(raw json.RawMessage) {
		var m protocol.RelayedSignalMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			finish(err)
			return
		}
		finish(c.Send(protocol.SignalMsg{
			Type:    protocol.TypeAnswer,
			RoomID:  m.RoomID,
			Payload: sessionDescription("answer"),
		}))
	})

	c.On(protocol.TypeAnswer, func(json.RawMessage) {
		mu.Lock()
		collector.Add("signal", time.Since(offeredAt))
		mu.Unlock()
		finish(nil)
	})

	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var m protocol.ErrorMsg
		_ = json.Unmarshal(raw, &m)
		finish(fmt.Errorf("server error %s: %s", m.Code, m.Message))
	})

	mu.Lock()
	lookingAt = time.Now()
	mu.Unlock()
	if err := c.Send(protocol.StartLookingMsg{Type: protocol.TypeStartLooking, Name: name}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sessionDescription(kind string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"type": kind, "sdp": fakeSDP})
	return data
}
