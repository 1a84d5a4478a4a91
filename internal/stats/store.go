package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/huenique/claude-code-server/internal/persistence"
)

// retentionDays is how many daily records are kept.
const retentionDays = 90

// ModelStats are per-model aggregates.
type ModelStats struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// RequestCounters tally request outcomes.
type RequestCounters struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// TokenCounters tally token usage.
type TokenCounters struct {
	TotalInput  int `json:"total_input"`
	TotalOutput int `json:"total_output"`
}

// CostCounters tally spend.
type CostCounters struct {
	TotalUSD float64 `json:"total_usd"`
}

// DailyRecord holds one UTC day's counters.
type DailyRecord struct {
	Date     string                 `json:"date"` // YYYY-MM-DD
	Requests RequestCounters        `json:"requests"`
	Tokens   TokenCounters          `json:"tokens"`
	Costs    CostCounters           `json:"costs"`
	Models   map[string]*ModelStats `json:"models"`
}

// Summary is the singleton statistics document.
type Summary struct {
	Requests RequestCounters        `json:"requests"`
	Tokens   TokenCounters          `json:"tokens"`
	Costs    CostCounters           `json:"costs"`
	Models   map[string]*ModelStats `json:"models"`
	Daily    []*DailyRecord         `json:"daily,omitempty"`
}

func newSummary() *Summary {
	return &Summary{Models: make(map[string]*ModelStats)}
}

// Request describes one recorded agent execution attempt.
type Request struct {
	Success      bool
	Model        string
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

// Store persists statistics to a locked JSON document.
type Store struct {
	doc *persistence.Document
	now func() time.Time // injectable for the daily-roll tests
}

// NewStore creates a statistics store backed by the given file path.
func NewStore(path string) (*Store, error) {
	doc, err := persistence.NewDocument(path)
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc, now: time.Now}, nil
}

// RecordRequest advances the global counters and today's daily record in
// one locked write, then prunes days past retention.
func (s *Store) RecordRequest(req Request) error {
	model := req.Model
	if model == "" {
		model = "unknown"
	}
	today := s.now().UTC().Format("2006-01-02")

	doc := newSummary()
	return s.doc.WithLock(doc, func() error {
		applyRequest(&doc.Requests, &doc.Tokens, &doc.Costs, doc.Models, req, model)

		day := findDay(doc.Daily, today)
		if day == nil {
			day = &DailyRecord{Date: today, Models: make(map[string]*ModelStats)}
			doc.Daily = append(doc.Daily, day)
		}
		applyRequest(&day.Requests, &day.Tokens, &day.Costs, day.Models, req, model)

		doc.Daily = pruneDaily(doc.Daily, s.now().UTC())
		return nil
	})
}

func applyRequest(reqs *RequestCounters, toks *TokenCounters, costs *CostCounters, models map[string]*ModelStats, req Request, model string) {
	reqs.Total++
	if req.Success {
		reqs.Successful++
	} else {
		reqs.Failed++
	}
	toks.TotalInput += req.InputTokens
	toks.TotalOutput += req.OutputTokens
	costs.TotalUSD += req.CostUSD

	m := models[model]
	if m == nil {
		m = &ModelStats{}
		models[model] = m
	}
	m.Count++
	m.CostUSD += req.CostUSD
}

func findDay(daily []*DailyRecord, date string) *DailyRecord {
	for _, d := range daily {
		if d.Date == date {
			return d
		}
	}
	return nil
}

func pruneDaily(daily []*DailyRecord, now time.Time) []*DailyRecord {
	cutoff := now.AddDate(0, 0, -retentionDays).Format("2006-01-02")
	kept := daily[:0]
	for _, d := range daily {
		if d.Date >= cutoff {
			kept = append(kept, d)
		}
	}
	return kept
}

// Reset restores the document to its defaults.
func (s *Store) Reset() error {
	doc := newSummary()
	return s.doc.WithLock(doc, func() error {
		*doc = *newSummary()
		return nil
	})
}

// GetSummary returns the global counters (without the daily breakdown).
func (s *Store) GetSummary() (*Summary, error) {
	doc := newSummary()
	if err := s.doc.Load(doc); err != nil {
		return nil, err
	}
	doc.Daily = nil
	return doc, nil
}

// GetDaily returns daily records sorted by date descending.
func (s *Store) GetDaily(limit int) ([]*DailyRecord, error) {
	doc := newSummary()
	if err := s.doc.Load(doc); err != nil {
		return nil, err
	}
	daily := make([]*DailyRecord, len(doc.Daily))
	copy(daily, doc.Daily)
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date > daily[j].Date })
	if limit > 0 && len(daily) > limit {
		daily = daily[:limit]
	}
	return daily, nil
}

// GetByDateRange returns the daily records between start and end
// inclusive, both YYYY-MM-DD.
func (s *Store) GetByDateRange(start, end string) ([]*DailyRecord, error) {
	if _, err := time.Parse("2006-01-02", start); err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	if _, err := time.Parse("2006-01-02", end); err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}

	doc := newSummary()
	if err := s.doc.Load(doc); err != nil {
		return nil, err
	}
	var result []*DailyRecord
	for _, d := range doc.Daily {
		if d.Date >= start && d.Date <= end {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

// TopModel pairs a model tag with its aggregates.
type TopModel struct {
	Model   string  `json:"model"`
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// GetTopModels returns models sorted by request count descending.
func (s *Store) GetTopModels(limit int) ([]TopModel, error) {
	doc := newSummary()
	if err := s.doc.Load(doc); err != nil {
		return nil, err
	}
	result := make([]TopModel, 0, len(doc.Models))
	for model, m := range doc.Models {
		result = append(result, TopModel{Model: model, Count: m.Count, CostUSD: m.CostUSD})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Model < result[j].Model
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
