package metrics

import (
	"sync"
	"time"
)

// TaskCounter reports the number of known tasks per state
type TaskCounter interface {
	StateCounts() map[string]int
}

// Collector periodically refreshes the task gauges
type Collector struct {
	source   TaskCounter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	seen     map[string]bool
}

// NewCollector creates a new metrics collector
func NewCollector(source TaskCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]bool),
	}
}

// Start collects in a new goroutine
func (c *Collector) Start() {
	go c.Run()
}

// Run collects immediately and then on every interval until Stop
func (c *Collector) Run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			return
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect refreshes the gauges once. States that disappeared are reset to 0.
func (c *Collector) Collect() {
	counts := c.source.StateCounts()
	for state := range c.seen {
		if _, ok := counts[state]; !ok {
			TasksTotal.WithLabelValues(state).Set(0)
		}
	}
	for state, n := range counts {
		c.seen[state] = true
		TasksTotal.WithLabelValues(state).Set(float64(n))
	}
}
