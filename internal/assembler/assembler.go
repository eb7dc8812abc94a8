// Package assembler implements the working-set assembler: seed, expand,
// score, filter, diversify (MMR), and budget memory candidates into the
// context supplied to a tool/agent call. The pluggable-observer shape
// (named operation events carrying a shared payload) follows
// runtime/registry/observability.go's OperationEvent pattern, generalized
// from registry ops to working-set stages.
package assembler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/arw-run/arw/internal/kernel"
)

// Spec is the normalized request driving one assembly iteration. Callers
// that build a Spec by hand (rather than receiving one back from Adjust)
// should pass it through Normalize before use.
type Spec struct {
	Query           string
	Embed           []float64
	Lanes           []string
	PreferredLane   string
	LanePriorities  map[string]float64
	Limit           int
	ExpandPerSeed   int
	MinScore        float64
	DiversityLambda float64
	LaneBonus       float64
	SlotBudgets     map[string]int
	LaneCap         int
	ExpandQuery     bool
	ExpandQueryTopK int
}

const (
	minLimit         = 1
	maxLimit         = 256
	maxExpandPerSeed = 16
	defaultLimit     = 32
	defaultLaneBonus = 0.1
	minLanePriority  = -1.0
	maxLanePriority  = 1.0
)

// Normalize clamps and canonicalizes a Spec per the Working-Set Spec
// contract: lanes are sorted, deduped and emptied of blank entries; limit
// is clamped to [1,256] (defaulting to 32 when unset); expand_per_seed is
// clamped to [0,16]; diversity_lambda, min_score and lane_bonus are
// clamped to [0,1]; lane_priorities values are clamped to [-1,1].
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(spec Spec) Spec {
	spec.Lanes = normalizeLanes(spec.Lanes)

	if spec.Limit <= 0 {
		spec.Limit = defaultLimit
	}
	spec.Limit = clampInt(spec.Limit, minLimit, maxLimit)
	spec.ExpandPerSeed = clampInt(spec.ExpandPerSeed, 0, maxExpandPerSeed)

	spec.DiversityLambda = clamp01(spec.DiversityLambda)
	spec.MinScore = clamp01(spec.MinScore)

	if spec.LaneBonus == 0 {
		spec.LaneBonus = defaultLaneBonus
	}
	spec.LaneBonus = clamp01(spec.LaneBonus)

	if len(spec.LanePriorities) > 0 {
		clamped := make(map[string]float64, len(spec.LanePriorities))
		for lane, v := range spec.LanePriorities {
			clamped[lane] = clampFloat(v, minLanePriority, maxLanePriority)
		}
		spec.LanePriorities = clamped
	}

	if spec.ExpandQueryTopK < 0 {
		spec.ExpandQueryTopK = 0
	}

	return spec
}

// normalizeLanes sorts, dedupes and drops blank lane names.
func normalizeLanes(lanes []string) []string {
	if len(lanes) == 0 {
		return lanes
	}
	seen := make(map[string]struct{}, len(lanes))
	out := make([]string, 0, len(lanes))
	for _, l := range lanes {
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Candidate is a scored memory under consideration for selection.
type Candidate struct {
	Memory kernel.Memory
	Score  float64
	Slot   string
}

// Item is a selected candidate in the final working set.
type Item struct {
	Memory kernel.Memory `json:"memory"`
	Score  float64       `json:"score"`
	Slot   string        `json:"slot"`
}

// Summary reports assembly statistics for one iteration.
type Summary struct {
	Selected   int            `json:"selected"`
	Seeds      int            `json:"seeds"`
	Expanded   int            `json:"expanded"`
	LaneCounts map[string]int `json:"lane_counts"`
	SlotCounts map[string]int `json:"slot_counts"`
	Scorer     string         `json:"scorer"`
	DurationMS int64          `json:"duration_ms"`
}

// Result is the full output contract of one assembly call.
type Result struct {
	Items       []Item   `json:"items"`
	Seeds       int      `json:"seeds"`
	Expanded    int      `json:"expanded"`
	Summary     Summary  `json:"summary"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// EventKind is the closed set of intermediate events the assembler emits.
type EventKind string

const (
	EventStarted  EventKind = "working_set.started"
	EventSeeded   EventKind = "working_set.seeded"
	EventExpanded EventKind = "working_set.expanded"
	EventSelected EventKind = "working_set.selected"
)

// Event is a shared-payload intermediate event; Payload is not copied
// between observers so large candidate sets are never duplicated.
type Event struct {
	Kind    EventKind
	Payload any
}

// Observer receives assembler intermediate events.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// NoopObserver discards every event.
type NoopObserver struct{}

// Observe implements Observer.
func (NoopObserver) Observe(context.Context, Event) {}

// Assembler runs the seed/expand/score/filter/diversify/budget pipeline
// against a Kernel.
type Assembler struct {
	kernel *kernel.Kernel
	now    func() time.Time
}

// New constructs an Assembler backed by k.
func New(k *kernel.Kernel) *Assembler {
	return &Assembler{kernel: k, now: time.Now}
}

// Assemble runs one iteration of the pipeline for spec, reporting
// intermediate events to obs (NoopObserver{} if nil).
func (a *Assembler) Assemble(ctx context.Context, spec Spec, obs Observer) (Result, error) {
	if obs == nil {
		obs = NoopObserver{}
	}
	start := a.now()
	obs.Observe(ctx, Event{Kind: EventStarted, Payload: spec})

	seeds, err := a.seed(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	obs.Observe(ctx, Event{Kind: EventSeeded, Payload: seeds})

	expanded := a.expand(ctx, spec, seeds)
	obs.Observe(ctx, Event{Kind: EventExpanded, Payload: expanded})

	candidates := append(append([]Candidate(nil), seeds...), expanded...)
	candidates = normalizeScores(candidates, spec)
	candidates = filterByMinScore(candidates, spec.MinScore)

	selected := diversify(candidates, spec.DiversityLambda, spec.Limit)
	selected = budget(selected, spec)

	obs.Observe(ctx, Event{Kind: EventSelected, Payload: selected})

	items := make([]Item, len(selected))
	laneCounts := map[string]int{}
	slotCounts := map[string]int{}
	for i, c := range selected {
		items[i] = Item{Memory: c.Memory, Score: c.Score, Slot: c.Slot}
		laneCounts[c.Memory.Lane]++
		slotCounts[c.Slot]++
	}

	return Result{
		Items:    items,
		Seeds:    len(seeds),
		Expanded: len(expanded),
		Summary: Summary{
			Selected:   len(items),
			Seeds:      len(seeds),
			Expanded:   len(expanded),
			LaneCounts: laneCounts,
			SlotCounts: slotCounts,
			Scorer:     scorerName(spec),
			DurationMS: a.now().Sub(start).Milliseconds(),
		},
	}, nil
}

func scorerName(spec Spec) string {
	switch {
	case len(spec.Embed) > 0 && spec.Query != "":
		return "hybrid"
	case len(spec.Embed) > 0:
		return "vector"
	case spec.Query != "":
		return "lexical"
	default:
		return "recent"
	}
}

// seed queries the Kernel in vector mode if embed is present, lexical mode
// if query is present, else recent. Seeds are capped at
// limit + expand_per_seed*limit, plus expand_query_top_k extra lexical
// hits when expand_query is enabled and a query string is present.
func (a *Assembler) seed(ctx context.Context, spec Spec) ([]Candidate, error) {
	seedCap := spec.Limit + spec.ExpandPerSeed*spec.Limit
	if spec.ExpandQuery && spec.Query != "" {
		seedCap += spec.ExpandQueryTopK
	}
	lane := spec.PreferredLane

	var scored []kernel.ScoredMemory
	var err error
	switch {
	case len(spec.Embed) > 0:
		scored, err = a.kernel.SearchVector(ctx, spec.Embed, lane, seedCap)
	case spec.Query != "":
		scored, err = a.kernel.SearchLexical(ctx, spec.Query, lane, seedCap)
	default:
		recent, rErr := a.kernel.ListRecent(ctx, lane, seedCap)
		err = rErr
		for _, m := range recent {
			scored = append(scored, kernel.ScoredMemory{Memory: m, Score: 1})
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(scored))
	for i, s := range scored {
		out[i] = Candidate{Memory: s.Memory, Score: s.Score, Slot: slotFor(s.Memory)}
	}
	return out, nil
}

// expand fetches up to expand_per_seed neighbors per seed via lane
// co-occurrence, since no semantic-link index is modeled in the kernel.
func (a *Assembler) expand(ctx context.Context, spec Spec, seeds []Candidate) []Candidate {
	if spec.ExpandPerSeed <= 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		seen[s.Memory.ID] = struct{}{}
	}

	var expanded []Candidate
	for _, seed := range seeds {
		neighbors, err := a.kernel.ListRecent(ctx, seed.Memory.Lane, spec.ExpandPerSeed+len(seeds))
		if err != nil {
			continue
		}
		added := 0
		for _, n := range neighbors {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			expanded = append(expanded, Candidate{Memory: n, Score: seed.Score * 0.75, Slot: slotFor(n)})
			added++
			if added >= spec.ExpandPerSeed {
				break
			}
		}
	}
	return expanded
}

func slotFor(m kernel.Memory) string {
	if len(m.Tags) > 0 {
		return m.Tags[0]
	}
	return "*"
}

// normalizeScores clamps every candidate score into [0,1] and applies the
// lane bonus for the preferred lane plus any per-lane priority.
func normalizeScores(candidates []Candidate, spec Spec) []Candidate {
	for i, c := range candidates {
		score := clamp01(c.Score)
		if spec.PreferredLane != "" && c.Memory.Lane == spec.PreferredLane {
			score = clamp01(score + spec.LaneBonus)
		}
		if bonus, ok := spec.LanePriorities[c.Memory.Lane]; ok {
			score = clamp01(score + bonus)
		}
		candidates[i].Score = score
	}
	return candidates
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func filterByMinScore(candidates []Candidate, minScore float64) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	return out
}

// diversify greedily selects up to limit candidates maximizing
// lambda*score - (1-lambda)*max_similarity_to_selected. Ties break by
// higher score, then earlier insertion (stable sort preserves input
// order for equal-score ties).
func diversify(candidates []Candidate, lambda float64, limit int) []Candidate {
	if limit <= 0 {
		limit = len(candidates)
	}
	pool := append([]Candidate(nil), candidates...)
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })

	var selected []Candidate
	for len(selected) < limit && len(pool) > 0 {
		bestIdx := 0
		bestValue := math.Inf(-1)
		for i, c := range pool {
			maxSim := 0.0
			for _, s := range selected {
				sim := similarity(c.Memory, s.Memory)
				if sim > maxSim {
					maxSim = sim
				}
			}
			value := lambda*c.Score - (1-lambda)*maxSim
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}
		selected = append(selected, pool[bestIdx])
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	return selected
}

func similarity(a, b kernel.Memory) float64 {
	if len(a.Embed) > 0 && len(b.Embed) > 0 && len(a.Embed) == len(b.Embed) {
		var dot, na, nb float64
		for i := range a.Embed {
			dot += a.Embed[i] * b.Embed[i]
			na += a.Embed[i] * a.Embed[i]
			nb += b.Embed[i] * b.Embed[i]
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
	return jaccard(a.Keywords, b.Keywords)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, w := range a {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, w := range b {
		setB[w] = struct{}{}
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// budget applies slot and lane caps, relaxing slot caps first and lane
// caps second when no candidate satisfies both.
func budget(candidates []Candidate, spec Spec) []Candidate {
	laneCap := spec.LaneCap
	if laneCap <= 0 {
		laneCap = spec.Limit
	}

	tryBudget := func(enforceSlots, enforceLanes bool) []Candidate {
		slotCounts := map[string]int{}
		laneCounts := map[string]int{}
		var out []Candidate
		for _, c := range candidates {
			if enforceSlots {
				slotCap, ok := spec.SlotBudgets[c.Slot]
				if !ok {
					slotCap, ok = spec.SlotBudgets["*"]
				}
				if ok && slotCounts[c.Slot] >= slotCap {
					continue
				}
			}
			if enforceLanes && laneCounts[c.Memory.Lane] >= laneCap {
				continue
			}
			out = append(out, c)
			slotCounts[c.Slot]++
			laneCounts[c.Memory.Lane]++
		}
		return out
	}

	if out := tryBudget(true, true); len(out) > 0 || len(candidates) == 0 {
		return out
	}
	if out := tryBudget(false, true); len(out) > 0 {
		return out
	}
	return tryBudget(false, false)
}
