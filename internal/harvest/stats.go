package harvest

import (
	"sort"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

// State is where a per-type harvest ended up.
type State string

const (
	StateInit   State = "INIT"
	StatePaging State = "PAGING"
	StateDone   State = "DONE"
	StateFailed State = "FAILED"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	// ModeResume continues an interrupted traversal from the stored cursor.
	ModeResume Mode = "resume"
)

type Stats struct {
	Type  entity.Type
	State State
	Mode  Mode
	Pages int
	// Fetched counts raw records returned upstream.
	Fetched int
	// Stored counts records inserted or updated.
	Stored int
	// Skipped counts records that failed normalization.
	Skipped int
	// Rejected counts records the store refused, such as a comment whose
	// post is not stored.
	Rejected      int
	LastTimestamp time.Time
	Duration      time.Duration
	Err           error
}

func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("state", string(s.State))
	if s.Mode != "" {
		enc.AddString("mode", string(s.Mode))
	}
	enc.AddInt("pages", s.Pages)
	enc.AddInt("fetched", s.Fetched)
	enc.AddInt("stored", s.Stored)
	enc.AddInt("skipped", s.Skipped)
	enc.AddInt("rejected", s.Rejected)
	if !s.LastTimestamp.IsZero() {
		enc.AddTime("last_timestamp", s.LastTimestamp)
	}
	enc.AddDuration("duration", s.Duration)
	if s.Err != nil {
		enc.AddString("error", s.Err.Error())
	}
	return nil
}

// Summary maps each harvested entity type to its stats.
type Summary map[entity.Type]*Stats

func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, t := range s.Types() {
		if err := enc.AddObject(string(t), s[t]); err != nil {
			return err
		}
	}
	return nil
}

// Types returns the summarized types in harvest order.
func (s Summary) Types() []entity.Type {
	rank := make(map[entity.Type]int, len(entity.HarvestOrder))
	for i, t := range entity.HarvestOrder {
		rank[t] = i
	}
	out := make([]entity.Type, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// Totals sums the counters across every type.
func (s Summary) Totals() Stats {
	var total Stats
	for _, st := range s {
		total.Pages += st.Pages
		total.Fetched += st.Fetched
		total.Stored += st.Stored
		total.Skipped += st.Skipped
		total.Rejected += st.Rejected
	}
	return total
}
