// Package autonomy implements the per-lane Autonomy Ledger & Engagement
// subsystem: mode transitions (guided/autonomous/paused), budget tracking,
// and an engagement score that decays exponentially over time. Grounded on
// runtime/agent/interrupt.Controller's pause/resume signal-naming idiom,
// generalized from Temporal workflow signals to plain published bus
// events since the Autonomy Ledger has no workflow context of its own.
package autonomy

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/bus"
)

// Mode is a lane's autonomy mode.
type Mode string

const (
	ModeGuided     Mode = "guided"
	ModeAutonomous Mode = "autonomous"
	ModePaused     Mode = "paused"
)

// Budget tracks the remaining resource allowance for a lane's run.
type Budget struct {
	WallSeconds int
	Tokens      int
	SpendCents  int
}

const (
	budgetCloseWallSeconds = 120
	budgetCloseTokens      = 5000
	budgetCloseSpendCents  = 500
)

// CloseToLimit reports whether any budget dimension has fallen at or below
// its close-to-limit threshold.
func (b Budget) CloseToLimit() bool {
	return b.WallSeconds <= budgetCloseWallSeconds || b.Tokens <= budgetCloseTokens || b.SpendCents <= budgetCloseSpendCents
}

// Exhausted reports whether any budget dimension has hit zero.
func (b Budget) Exhausted() bool {
	return b.WallSeconds == 0 || b.Tokens == 0 || b.SpendCents == 0
}

// JobCounts tallies job outcomes observed for a lane.
type JobCounts struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
}

// Decision is what decision_for_autonomy returns for a lane.
type Decision struct {
	Allowed  bool
	Score    float64
	Reason   string
	StaleFor *time.Duration
}

const (
	engagementMin           = 0.0
	engagementMax           = 1.0
	engagementAllowFloor    = 0.35
	defaultHalfLife         = time.Hour
	defaultGraceWindow      = time.Second
	defaultStaleAfter       = 6 * time.Hour
)

type engagement struct {
	score         float64
	lastTouched   time.Time
	pendingReason string
}

type lane struct {
	mode       Mode
	budget     Budget
	jobCounts  JobCounts
	engagement engagement
}

// Publisher is the subset of bus.Bus the Ledger needs.
type Publisher interface {
	Publish(env bus.Envelope)
}

// Ledger owns per-lane mode/budget/engagement state.
type Ledger struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	halfLife    time.Duration
	graceWindow time.Duration
	staleAfter  time.Duration
	pub         Publisher
	now         func() time.Time
	statePath   string
}

// New constructs a Ledger. Zero durations fall back to the documented
// defaults (1h half-life, 1s grace window, 6h stale-after). The Ledger is
// in-memory only; use LoadLedger to back it with a state file.
func New(halfLife, graceWindow, staleAfter time.Duration, pub Publisher) *Ledger {
	if halfLife <= 0 {
		halfLife = defaultHalfLife
	}
	if graceWindow <= 0 {
		graceWindow = defaultGraceWindow
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Ledger{
		lanes:       make(map[string]*lane),
		halfLife:    halfLife,
		graceWindow: graceWindow,
		staleAfter:  staleAfter,
		pub:         pub,
		now:         time.Now,
	}
}

// persistedLane is the on-disk shape of one lane's state.
type persistedLane struct {
	Mode          Mode      `json:"mode"`
	Budget        Budget    `json:"budget"`
	JobCounts     JobCounts `json:"job_counts"`
	Score         float64   `json:"engagement_score"`
	LastTouched   time.Time `json:"last_touched"`
	PendingReason string    `json:"pending_reason,omitempty"`
}

// persistedState is the on-disk shape of lanes.json.
type persistedState struct {
	Lanes map[string]persistedLane `json:"lanes"`
}

// LoadLedger constructs a Ledger backed by statePath (typically
// "<state_dir>/autonomy/lanes.json"), restoring any previously persisted
// lane state. A missing file is not an error: the Ledger starts empty and
// the path is created on the first mutation.
func LoadLedger(statePath string, halfLife, graceWindow, staleAfter time.Duration, pub Publisher) (*Ledger, error) {
	l := New(halfLife, graceWindow, staleAfter, pub)
	l.statePath = statePath

	raw, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	for id, pl := range state.Lanes {
		l.lanes[id] = &lane{
			mode:      pl.Mode,
			budget:    pl.Budget,
			jobCounts: pl.JobCounts,
			engagement: engagement{
				score:         pl.Score,
				lastTouched:   pl.LastTouched,
				pendingReason: pl.PendingReason,
			},
		}
	}
	return l, nil
}

// persistLocked writes the full lane map to statePath, atomically via a
// temp-file rename. Callers must hold l.mu. A no-op when the Ledger was
// built with New rather than LoadLedger.
func (l *Ledger) persistLocked() {
	if l.statePath == "" {
		return
	}
	state := persistedState{Lanes: make(map[string]persistedLane, len(l.lanes))}
	for id, ln := range l.lanes {
		state.Lanes[id] = persistedLane{
			Mode:          ln.mode,
			Budget:        ln.budget,
			JobCounts:     ln.jobCounts,
			Score:         ln.engagement.score,
			LastTouched:   ln.engagement.lastTouched,
			PendingReason: ln.engagement.pendingReason,
		}
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(l.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp := l.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, l.statePath)
}

func (l *Ledger) laneLocked(id string) *lane {
	ln, ok := l.lanes[id]
	if !ok {
		ln = &lane{mode: ModeGuided, engagement: engagement{lastTouched: l.now()}}
		l.lanes[id] = ln
	}
	return ln
}

// Pause transitions a lane to paused, unconditionally (any mode may pause).
func (l *Ledger) Pause(ctx context.Context, laneID string) error {
	l.mu.Lock()
	ln := l.laneLocked(laneID)
	ln.mode = ModePaused
	l.persistLocked()
	l.mu.Unlock()
	l.publish("autonomy.run.paused", laneID, nil)
	return nil
}

// Resume sets a lane's mode to the given non-paused mode and publishes
// autonomy.run.resumed. The lane need not be paused: a lane in any mode is
// set to the target mode the same way. A paused target mode is rejected.
func (l *Ledger) Resume(ctx context.Context, laneID string, to Mode) error {
	if to == ModePaused {
		return apierr.New(apierr.KindInvalidArgument, "resume target mode cannot be paused")
	}
	l.mu.Lock()
	ln := l.laneLocked(laneID)
	ln.mode = to
	l.persistLocked()
	l.mu.Unlock()
	l.publish("autonomy.run.resumed", laneID, map[string]any{"mode": to})
	return nil
}

// Start publishes autonomy.run.started for a lane entering autonomous
// operation and sets its mode.
func (l *Ledger) Start(ctx context.Context, laneID string, mode Mode) error {
	l.mu.Lock()
	ln := l.laneLocked(laneID)
	ln.mode = mode
	l.persistLocked()
	l.mu.Unlock()
	l.publish("autonomy.run.started", laneID, map[string]any{"mode": mode})
	return nil
}

// FlushJobs resets the job-count tally for a lane to zero. scope is
// currently unused beyond being surfaced on the published event, pending
// per-scope (vs whole-lane) flush semantics.
func (l *Ledger) FlushJobs(ctx context.Context, laneID, scope string) error {
	l.mu.Lock()
	ln := l.laneLocked(laneID)
	ln.jobCounts = JobCounts{}
	l.persistLocked()
	l.mu.Unlock()
	l.publish("autonomy.jobs.flushed", laneID, map[string]any{"scope": scope})
	return nil
}

// RecordJobCounts overwrites a lane's job-count tally.
func (l *Ledger) RecordJobCounts(ctx context.Context, laneID string, counts JobCounts) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.laneLocked(laneID).jobCounts = counts
	l.persistLocked()
}

// UpdateBudgets sets a lane's budget and publishes close-to-limit /
// exhausted events on transition into either state.
func (l *Ledger) UpdateBudgets(ctx context.Context, laneID string, b Budget) {
	l.mu.Lock()
	ln := l.laneLocked(laneID)
	wasExhausted := ln.budget.Exhausted()
	wasClose := ln.budget.CloseToLimit()
	ln.budget = b
	nowExhausted := b.Exhausted()
	nowClose := b.CloseToLimit()
	l.persistLocked()
	l.mu.Unlock()

	if nowExhausted && !wasExhausted {
		l.publish("autonomy.budget.exhausted", laneID, map[string]any{"budget": b})
	} else if nowClose && !wasClose {
		l.publish("autonomy.budget.close", laneID, map[string]any{"budget": b})
	}
}

// RecordConfirmation boosts a lane's engagement score, clamped to
// [0, 1], and clears any pending rejection reason.
func (l *Ledger) RecordConfirmation(laneID string, boost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.laneLocked(laneID)
	l.decayLocked(ln)
	ln.engagement.score = clamp(ln.engagement.score+boost, engagementMin, engagementMax)
	ln.engagement.pendingReason = ""
	ln.engagement.lastTouched = l.now()
	l.persistLocked()
}

// RecordRejection penalizes a lane's engagement score and stores a
// pending reason surfaced by decision_for_autonomy.
func (l *Ledger) RecordRejection(laneID string, penalty float64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.laneLocked(laneID)
	l.decayLocked(ln)
	ln.engagement.score = clamp(ln.engagement.score-penalty, engagementMin, engagementMax)
	ln.engagement.pendingReason = reason
	ln.engagement.lastTouched = l.now()
	l.persistLocked()
}

// RecordModeRequest touches a lane's engagement timestamp in response to a
// mode change request, independent of whether it was allowed.
func (l *Ledger) RecordModeRequest(laneID string, mode Mode, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.laneLocked(laneID)
	l.decayLocked(ln)
	ln.engagement.lastTouched = l.now()
	l.persistLocked()
}

// decayLocked applies exponential decay with a 1h half-life (configurable)
// to the lane's engagement score, skipping the first graceWindow since the
// last touch so a rapid burst of confirmations isn't immediately eaten by
// decay. Callers must hold l.mu.
func (l *Ledger) decayLocked(ln *lane) {
	elapsed := l.now().Sub(ln.engagement.lastTouched)
	if elapsed <= l.graceWindow {
		return
	}
	decayFor := elapsed - l.graceWindow
	factor := math.Pow(0.5, decayFor.Seconds()/l.halfLife.Seconds())
	ln.engagement.score *= factor
}

// DecisionForAutonomy derives an Allow/NeedsAttention decision for a lane
// from its pending rejection reason, confirmation staleness, and decayed
// engagement score.
func (l *Ledger) DecisionForAutonomy(laneID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.laneLocked(laneID)
	l.decayLocked(ln)

	staleFor := l.now().Sub(ln.engagement.lastTouched)
	var stalePtr *time.Duration
	if staleFor >= l.staleAfter {
		stalePtr = &staleFor
	}

	if ln.engagement.pendingReason != "" {
		return Decision{Allowed: false, Score: ln.engagement.score, Reason: ln.engagement.pendingReason, StaleFor: stalePtr}
	}
	if stalePtr != nil {
		return Decision{Allowed: false, Score: ln.engagement.score, Reason: "stale_confirmation", StaleFor: stalePtr}
	}
	if ln.engagement.score < engagementAllowFloor {
		return Decision{Allowed: false, Score: ln.engagement.score, Reason: "low_engagement", StaleFor: stalePtr}
	}
	return Decision{Allowed: true, Score: ln.engagement.score, StaleFor: stalePtr}
}

// Mode returns a lane's current mode.
func (l *Ledger) Mode(laneID string) Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.laneLocked(laneID).mode
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (l *Ledger) publish(kind, laneID string, extra map[string]any) {
	if l.pub == nil {
		return
	}
	payload := map[string]any{"lane": laneID}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	l.pub.Publish(bus.Envelope{Kind: kind, Publisher: "autonomy", Time: l.now(), Payload: raw})
}
