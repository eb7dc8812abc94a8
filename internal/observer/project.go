package observer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/arw-run/arw/internal/bus"
)

// Observation is one bus envelope materialized into the "observations"
// read-model.
type Observation struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type observationsSnapshot struct {
	Items []Observation `json:"items"`
}

// Projector subscribes to a Bus and materializes read-models in an
// Observer, updating on every bus envelope. Every envelope is appended to
// the capped "observations" model; envelopes whose Kind carries a
// "world." or "contribution." prefix additionally update the "world"
// (latest-wins) and "contributions" (capped append-only) models.
type Projector struct {
	obs              *Observer
	capacity         int
	contributionsCap int
	observations     []Observation
	contributions    []Observation
}

const (
	defaultObservationsCap  = 500
	defaultContributionsCap = 500
)

// NewProjector constructs a Projector writing into obs. capacity bounds
// the "observations" model and, unless overridden by
// WithContributionsCapacity, the "contributions" model too; 0 uses the
// default.
func NewProjector(obs *Observer, capacity int) *Projector {
	if capacity <= 0 {
		capacity = defaultObservationsCap
	}
	return &Projector{obs: obs, capacity: capacity, contributionsCap: defaultContributionsCap}
}

// WithContributionsCapacity overrides the "contributions" model's history
// length independently of the "observations" model's.
func (p *Projector) WithContributionsCapacity(n int) *Projector {
	if n > 0 {
		p.contributionsCap = n
	}
	return p
}

// Run drains sub for the lifetime of the process, projecting every
// delivered envelope. Intended to run in its own goroutine; callers that
// need to stop it should Unsubscribe sub from another goroutine. Run then
// blocks in its final Next() call until the process exits.
func (p *Projector) Run(sub *bus.Subscription) {
	for {
		d := sub.Next()
		if d.Envelope != nil {
			p.project(d.Envelope)
		}
	}
}

func (p *Projector) project(env *bus.Envelope) {
	obv := Observation{ID: env.ID, Kind: env.Kind, Time: env.Time, Payload: env.Payload}

	p.observations = appendCapped(p.observations, obv, p.capacity)
	p.obs.Update("observations", mustMarshal(observationsSnapshot{Items: p.observations}))

	switch {
	case strings.HasPrefix(env.Kind, "world."):
		p.obs.Update("world", env.Payload)
	case strings.HasPrefix(env.Kind, "contribution."):
		p.contributions = appendCapped(p.contributions, obv, p.contributionsCap)
		p.obs.Update("contributions", mustMarshal(observationsSnapshot{Items: p.contributions}))
	}
}

func appendCapped(items []Observation, next Observation, max int) []Observation {
	items = append(items, next)
	if len(items) > max {
		items = items[len(items)-max:]
	}
	return items
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// FilterObservations applies the "observations" model's server-side query
// parameters: kindPrefix narrows by Kind prefix, since (zero value means
// unset) narrows to envelopes at or after that instant, and limit caps the
// result to the most recent N matches (0 means unlimited). The returned
// slice is newest-last, matching Observation's storage order.
func FilterObservations(snapshot json.RawMessage, kindPrefix string, since time.Time, limit int) ([]Observation, error) {
	var parsed observationsSnapshot
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &parsed); err != nil {
			return nil, err
		}
	}

	out := make([]Observation, 0, len(parsed.Items))
	for _, o := range parsed.Items {
		if kindPrefix != "" && !strings.HasPrefix(o.Kind, kindPrefix) {
			continue
		}
		if !since.IsZero() && o.Time.Before(since) {
			continue
		}
		out = append(out, o)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
