package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates latency samples from many clients. All methods are
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	samples     map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{samples: make(map[string][]time.Duration), startTime: time.Now()}
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.samples["connect"] = append(c.samples["connect"], d)
	c.connections++
	c.mu.Unlock()
}

// Add records a latency sample under name, e.g. "match" or "signal".
func (c *Collector) Add(name string, d time.Duration) {
	c.mu.Lock()
	c.samples[name] = append(c.samples[name], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarizes one series of samples.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary returns the percentiles of the samples recorded under name.
func (c *Collector) Summary(name string) (Percentiles, bool) {
	c.mu.Lock()
	durations := append([]time.Duration(nil), c.samples[name]...)
	c.mu.Unlock()
	if len(durations) == 0 {
		return Percentiles{}, false
	}
	return percentiles(durations), true
}

func percentiles(durations []time.Duration) Percentiles {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

// Report writes a summary of every series to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	connections, errors := c.connections, c.errors
	names := make([]string, 0, len(c.samples))
	for name := range c.samples {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", connections)
	fmt.Fprintf(w, "Errors:       %d\n", errors)
	if connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(errors)/float64(connections)*100)
	}

	for _, name := range names {
		p, ok := c.Summary(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg.Round(time.Microsecond),
			p.P50.Round(time.Microsecond),
			p.P95.Round(time.Microsecond),
			p.P99.Round(time.Microsecond),
			p.Max.Round(time.Microsecond),
			p.N,
		)
	}
	fmt.Fprintln(w)
}
