package stats

import (
	"testing"
	"time"
)

func TestCollectorUptime(t *testing.T) {
	c := NewCollector(setupStore(t), time.Minute, nil)
	if c.Uptime() != 0 {
		t.Error("uptime nonzero before Start")
	}

	c.Start()
	defer c.Stop()

	time.Sleep(20 * time.Millisecond)
	if c.Uptime() <= 0 {
		t.Error("uptime not advancing")
	}
}

func TestCollectorMemorySample(t *testing.T) {
	c := NewCollector(setupStore(t), time.Minute, nil)
	m := c.Memory()
	if m.HeapAllocBytes == 0 || m.SysBytes == 0 {
		t.Errorf("heap sample empty: %+v", m)
	}
	if m.NumGoroutine < 1 {
		t.Errorf("goroutines = %d", m.NumGoroutine)
	}
	if m.MaxRSSKB <= 0 {
		t.Errorf("max rss = %d", m.MaxRSSKB)
	}
}

func TestCollectorReadThrough(t *testing.T) {
	store := setupStore(t)
	c := NewCollector(store, time.Minute, nil)

	if err := store.RecordRequest(Request{Success: true, Model: "sonnet"}); err != nil {
		t.Fatal(err)
	}

	summary, err := c.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requests.Total != 1 {
		t.Errorf("summary = %+v", summary.Requests)
	}

	models, err := c.TopModels(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].Model != "sonnet" {
		t.Errorf("models = %+v", models)
	}
}

func TestCollectorDoubleStartStop(t *testing.T) {
	c := NewCollector(setupStore(t), time.Minute, nil)
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()
}
