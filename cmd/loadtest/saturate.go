package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/rendezvous/internal/loadtest"
)

// runSaturate opens the requested number of connections over the ramp-up
// period, then holds them while counting drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()

	var mu sync.Mutex
	clients := make([]*loadtest.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressDone := make(chan struct{})
	go reportProgress(collector, *connections, progressDone)

	rampStart := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for launched := 0; launched < *connections; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := loadtest.Dial(connCtx, *url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	fmt.Printf("\nRamp-up finished in %s: %d connected, %d errors\n",
		time.Since(rampStart).Round(time.Millisecond), collector.ConnectionCount(), collector.ErrorCount())

	var dropped atomic.Int64
	if !interrupted {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		holdTimer := time.NewTimer(*hold)
		check := time.NewTicker(5 * time.Second)
	hold:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold.")
				break hold
			case <-holdTimer.C:
				break hold
			case <-check.C:
				dropped.Store(countDropped(&mu, clients))
				fmt.Printf("  [hold] alive: %d  dropped: %d\n", int64(len(clients))-dropped.Load(), dropped.Load())
			}
		}
		check.Stop()
		holdTimer.Stop()
		dropped.Store(countDropped(&mu, clients))
	}

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report(os.Stdout)
	fmt.Printf("Dropped during hold: %d\n", dropped.Load())
}

func countDropped(mu *sync.Mutex, clients []*loadtest.Client) int64 {
	mu.Lock()
	defer mu.Unlock()
	var n int64
	for _, c := range clients {
		if !c.Alive() {
			n++
		}
	}
	return n
}

func reportProgress(collector *loadtest.Collector, target int, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last, lastTime := 0, time.Now()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			conns := collector.ConnectionCount()
			rate := float64(conns-last) / now.Sub(lastTime).Seconds()
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
				conns, target, collector.ErrorCount(), rate)
			last, lastTime = conns, now
		case <-done:
			return
		}
	}
}
