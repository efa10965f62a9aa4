package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime         time.Time
	MessagesReceived  uint64
	MessagesDelivered uint64
	RetainedDropped   uint64
	UnmatchedDropped  uint64
	Published         uint64
	Subscribed        uint64
	Reconnects        uint64
	Errors            uint64
	lastReconnect     atomic.Int64

	mu       sync.RWMutex
	sections map[string]func() interface{}
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
	}
}

func (s *StatsCollector) IncReceived()          { atomic.AddUint64(&s.MessagesReceived, 1) }
func (s *StatsCollector) AddDelivered(n uint64) { atomic.AddUint64(&s.MessagesDelivered, n) }
func (s *StatsCollector) IncRetainedDropped()   { atomic.AddUint64(&s.RetainedDropped, 1) }
func (s *StatsCollector) IncUnmatchedDropped()  { atomic.AddUint64(&s.UnmatchedDropped, 1) }
func (s *StatsCollector) IncPublished()         { atomic.AddUint64(&s.Published, 1) }
func (s *StatsCollector) IncSubscribed()        { atomic.AddUint64(&s.Subscribed, 1) }
func (s *StatsCollector) IncErrors()            { atomic.AddUint64(&s.Errors, 1) }

// MarkReconnect counts a completed reconnect and records when it happened.
func (s *StatsCollector) MarkReconnect() {
	atomic.AddUint64(&s.Reconnects, 1)
	s.lastReconnect.Store(time.Now().UnixNano())
}

// LastReconnect returns the time of the last completed reconnect, or the zero
// time if there has been none.
func (s *StatsCollector) LastReconnect() time.Time {
	ns := s.lastReconnect.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// AddSection adds a named entry to GetStats, filled in by fn on every call.
func (s *StatsCollector) AddSection(name string, fn func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sections == nil {
		s.sections = make(map[string]func() interface{})
	}
	s.sections[name] = fn
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	stats := map[string]interface{}{
		"uptime":             uptime.String(),
		"messages_received":  atomic.LoadUint64(&s.MessagesReceived),
		"messages_delivered": atomic.LoadUint64(&s.MessagesDelivered),
		"retained_dropped":   atomic.LoadUint64(&s.RetainedDropped),
		"unmatched_dropped":  atomic.LoadUint64(&s.UnmatchedDropped),
		"published":          atomic.LoadUint64(&s.Published),
		"subscribed":         atomic.LoadUint64(&s.Subscribed),
		"reconnects":         atomic.LoadUint64(&s.Reconnects),
		"errors":             atomic.LoadUint64(&s.Errors),
	}
	if last := s.LastReconnect(); !last.IsZero() {
		stats["last_reconnect"] = last
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, fn := range s.sections {
		stats[name] = fn()
	}
	return stats
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the inbound message rate per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesReceived)) / uptime
}
