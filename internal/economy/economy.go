// Package economy implements the versioned economy ledger: a
// monotonically-versioned snapshot of stakeholder payout entries, currency
// totals, attention flags and runtime-usage counters, persisted to
// "<state_dir>/economy/ledger.json" and re-published on the bus on every
// replace. Grounded on autonomy.Ledger's lock-mutate-persist-publish shape,
// generalized from per-lane state to one process-wide versioned snapshot,
// following economy.rs's EconomyLedger.
package economy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arw-run/arw/internal/bus"
)

// StakeholderShare is one payee's portion of a ledger entry.
type StakeholderShare struct {
	ID     string  `json:"id"`
	Role   string  `json:"role,omitempty"`
	Share  float64 `json:"share,omitempty"`
	Amount float64 `json:"amount,omitempty"`
}

// LedgerEntry records one economic event: a job's or contract's payout
// across its stakeholders.
type LedgerEntry struct {
	ID           string             `json:"id"`
	JobID        string             `json:"job_id,omitempty"`
	PersonaID    string             `json:"persona_id,omitempty"`
	ContractID   string             `json:"contract_id,omitempty"`
	Stakeholders []StakeholderShare `json:"stakeholders,omitempty"`
	Currency     string             `json:"currency,omitempty"`
	GrossAmount  float64            `json:"gross_amount,omitempty"`
	NetAmount    float64            `json:"net_amount,omitempty"`
	Status       string             `json:"status,omitempty"`
	IssuedAt     string             `json:"issued_at,omitempty"`
	SettledAt    string             `json:"settled_at,omitempty"`
	Metadata     json.RawMessage    `json:"metadata,omitempty"`
}

// LedgerTotal is the running pending/settled balance for one currency.
type LedgerTotal struct {
	Currency string  `json:"currency"`
	Pending  float64 `json:"pending,omitempty"`
	Settled  float64 `json:"settled,omitempty"`
}

// UsageCounters tracks process-wide runtime request counts by adapter id.
type UsageCounters struct {
	RuntimeRequests map[string]uint64 `json:"runtime_requests,omitempty"`
}

// Snapshot is the full ledger state at one version.
type Snapshot struct {
	Version   uint64        `json:"version"`
	Generated time.Time     `json:"generated,omitempty"`
	Entries   []LedgerEntry `json:"entries,omitempty"`
	Totals    []LedgerTotal `json:"totals,omitempty"`
	Attention []string      `json:"attention,omitempty"`
	Usage     UsageCounters `json:"usage"`
}

// Publisher is the subset of bus.Bus the Ledger needs.
type Publisher interface {
	Publish(env bus.Envelope)
}

// Ledger owns the current economy snapshot, persisting every replacement
// to statePath (when set) and publishing economy.ledger.updated.
type Ledger struct {
	mu        sync.Mutex
	snapshot  Snapshot
	pub       Publisher
	now       func() time.Time
	statePath string
}

// New constructs an in-memory Ledger with no backing state file.
func New(pub Publisher) *Ledger {
	return &Ledger{pub: pub, now: time.Now}
}

// LoadLedger constructs a Ledger backed by statePath, restoring any
// previously persisted snapshot. A missing or empty file is not an error.
func LoadLedger(statePath string, pub Publisher) (*Ledger, error) {
	l := New(pub)
	l.statePath = statePath

	raw, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return l, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	l.snapshot = snap
	return l, nil
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

// Replace overwrites the ledger's entries, totals, attention flags and
// usage counters, bumping the version, persisting to disk and publishing
// the new snapshot.
func (l *Ledger) Replace(entries []LedgerEntry, totals []LedgerTotal, attention []string, usage UsageCounters) Snapshot {
	l.mu.Lock()
	l.snapshot.Version++
	l.snapshot.Entries = entries
	l.snapshot.Totals = totals
	l.snapshot.Attention = attention
	l.snapshot.Usage = usage
	l.snapshot.Generated = l.now().UTC()
	snap := l.snapshot
	l.persistLocked()
	l.mu.Unlock()

	l.publish(snap)
	return snap
}

// PushEntry appends a single entry to the ledger, bumping the version,
// persisting and publishing.
func (l *Ledger) PushEntry(entry LedgerEntry) Snapshot {
	l.mu.Lock()
	l.snapshot.Version++
	l.snapshot.Generated = l.now().UTC()
	l.snapshot.Entries = append(l.snapshot.Entries, entry)
	snap := l.snapshot
	l.persistLocked()
	l.mu.Unlock()

	l.publish(snap)
	return snap
}

// Clear resets the ledger to an empty snapshot at the next version.
func (l *Ledger) Clear() Snapshot {
	return l.Replace(nil, nil, nil, UsageCounters{})
}

func (l *Ledger) persistLocked() {
	if l.statePath == "" {
		return
	}
	raw, err := json.MarshalIndent(l.snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.statePath), 0o755); err != nil {
		return
	}
	tmp := l.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, l.statePath)
}

func (l *Ledger) publish(snap Snapshot) {
	if l.pub == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	l.pub.Publish(bus.Envelope{Kind: "economy.ledger.updated", Publisher: "economy", Time: l.now(), Payload: raw})
}
