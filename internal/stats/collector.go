package stats

import (
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Collector periodically samples process uptime and memory and logs them
// at debug level. It also fronts the store's read queries so HTTP
// handlers have a single statistics dependency.
type Collector struct {
	store    *Store
	interval time.Duration
	debug    func() bool // whether debug logging is enabled

	mu        sync.Mutex
	startedAt time.Time
	stop      chan struct{}
	running   bool
}

// NewCollector creates a collector sampling at the given interval.
func NewCollector(store *Store, interval time.Duration, debug func() bool) *Collector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if debug == nil {
		debug = func() bool { return false }
	}
	return &Collector{
		store:    store,
		interval: interval,
		debug:    debug,
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.startedAt = time.Now()
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
	log.Printf("[STATS] Collector started (interval %s)", c.interval)
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
	log.Printf("[STATS] Collector stopped")
}

// Uptime returns time since Start.
func (c *Collector) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// MemorySample is a point-in-time view of process memory.
type MemorySample struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	MaxRSSKB       int64  `json:"max_rss_kb"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// Memory samples the Go heap and the process max RSS.
func (c *Collector) Memory() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		NumGoroutine:   runtime.NumGoroutine(),
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		sample.MaxRSSKB = ru.Maxrss
	}
	return sample
}

func (c *Collector) sample() {
	if !c.debug() {
		return
	}
	m := c.Memory()
	log.Printf("[STATS] uptime=%s heap=%dKB rss=%dKB goroutines=%d",
		c.Uptime().Round(time.Second), m.HeapAllocBytes/1024, m.MaxRSSKB, m.NumGoroutine)
}

// Read-through queries.

func (c *Collector) Summary() (*Summary, error)                  { return c.store.GetSummary() }
func (c *Collector) Daily(limit int) ([]*DailyRecord, error)     { return c.store.GetDaily(limit) }
func (c *Collector) Range(start, end string) ([]*DailyRecord, error) {
	return c.store.GetByDateRange(start, end)
}
func (c *Collector) TopModels(limit int) ([]TopModel, error) { return c.store.GetTopModels(limit) }
