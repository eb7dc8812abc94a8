// Package coverage drives iterative adjustment of an assembler.Spec across
// up to max_iterations assembler runs, following the OperationEvent
// structured-event pattern of runtime/registry/observability.go for its
// per-iteration summary envelopes.
package coverage

import (
	"context"
	"time"

	"github.com/arw-run/arw/internal/assembler"
)

// Reason is the closed set of coverage verdict reasons.
type Reason string

const (
	ReasonBelowTargetLimit     Reason = "below_target_limit"
	ReasonNoItemsSelected      Reason = "no_items_selected"
	ReasonNoItemsAboveThreshold Reason = "no_items_above_threshold"
	ReasonWeakAverageScore     Reason = "weak_average_score"
	ReasonLowLaneDiversity     Reason = "low_lane_diversity"
)

// Verdict reports whether another iteration is needed and why.
type Verdict struct {
	NeedsMore bool
	Reasons   []Reason
}

const (
	defaultMaxIterations = 2
	maxMaxIterations      = 6
	minScoreFloor         = 0.05
	diversityLambdaFloor  = 0.4
	diversityLambdaCeil   = 1.0
	minLanesForDiversity  = 2
)

// IterationSummary is the payload of one working_set.iteration.summary
// envelope.
type IterationSummary struct {
	Iteration int                  `json:"iteration"`
	Spec      assembler.Spec       `json:"spec"`
	Result    assembler.Result     `json:"result"`
	Verdict   Verdict              `json:"verdict"`
	Duration  time.Duration        `json:"duration"`
}

// IterationError is the payload of a working_set.error envelope.
type IterationError struct {
	Iteration int    `json:"iteration"`
	Error     string `json:"error"`
}

// Publisher receives per-iteration summary and error envelopes.
type Publisher interface {
	PublishSummary(ctx context.Context, s IterationSummary)
	PublishError(ctx context.Context, e IterationError)
}

// NoopPublisher discards every envelope.
type NoopPublisher struct{}

func (NoopPublisher) PublishSummary(context.Context, IterationSummary) {}
func (NoopPublisher) PublishError(context.Context, IterationError)     {}

// Loop drives the assembler across iterations, adjusting the spec per
// verdict reasons between each.
type Loop struct {
	assembler *assembler.Assembler
	assess    func(assembler.Spec, assembler.Result) Verdict
	now       func() time.Time
}

// New constructs a Loop backed by a, using the default assess function
// unless overridden by WithAssess.
func New(a *assembler.Assembler) *Loop {
	return &Loop{assembler: a, assess: DefaultAssess, now: time.Now}
}

// WithAssess overrides the verdict function, mainly for tests.
func (l *Loop) WithAssess(fn func(assembler.Spec, assembler.Result) Verdict) *Loop {
	l.assess = fn
	return l
}

// Run executes up to maxIterations (clamped to [1, 6], default 2 when 0)
// assembler iterations, adjusting the spec between iterations per verdict
// reasons, and publishing a summary envelope per iteration.
func (l *Loop) Run(ctx context.Context, spec assembler.Spec, maxIterations int, obs assembler.Observer, pub Publisher) (assembler.Result, Verdict, error) {
	if pub == nil {
		pub = NoopPublisher{}
	}
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if maxIterations > maxMaxIterations {
		maxIterations = maxMaxIterations
	}
	spec = assembler.Normalize(spec)

	var (
		result  assembler.Result
		verdict Verdict
	)
	for iteration := 1; iteration <= maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			pub.PublishError(ctx, IterationError{Iteration: iteration, Error: ctx.Err().Error()})
			return result, verdict, ctx.Err()
		default:
		}

		start := l.now()
		res, err := l.assembler.Assemble(ctx, spec, obs)
		if err != nil {
			pub.PublishError(ctx, IterationError{Iteration: iteration, Error: err.Error()})
			if iteration == maxIterations {
				return assembler.Result{}, Verdict{}, err
			}
			continue
		}
		result = res
		verdict = l.assess(spec, res)

		pub.PublishSummary(ctx, IterationSummary{
			Iteration: iteration,
			Spec:      spec,
			Result:    res,
			Verdict:   verdict,
			Duration:  l.now().Sub(start),
		})

		if !verdict.NeedsMore || iteration == maxIterations {
			break
		}
		spec = Adjust(spec, verdict, res)
	}
	return result, verdict, nil
}

// DefaultAssess implements the closed set of verdict reasons.
func DefaultAssess(spec assembler.Spec, res assembler.Result) Verdict {
	var reasons []Reason

	if len(res.Items) == 0 {
		reasons = append(reasons, ReasonNoItemsSelected)
		if res.Seeds > 0 || res.Expanded > 0 {
			reasons = append(reasons, ReasonNoItemsAboveThreshold)
		}
	} else if spec.Limit > 0 && len(res.Items) < spec.Limit {
		reasons = append(reasons, ReasonBelowTargetLimit)
	}

	if avg := averageScore(res); len(res.Items) > 0 && avg < 0.5 {
		reasons = append(reasons, ReasonWeakAverageScore)
	}

	if len(res.Summary.LaneCounts) < minLanesForDiversity && len(spec.Lanes) > 1 {
		reasons = append(reasons, ReasonLowLaneDiversity)
	}

	return Verdict{NeedsMore: len(reasons) > 0, Reasons: reasons}
}

func averageScore(res assembler.Result) float64 {
	if len(res.Items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range res.Items {
		sum += it.Score
	}
	return sum / float64(len(res.Items))
}

// Adjust applies deterministic adjustment rules to the next iteration's
// spec. Lane-diversity boosting is applied first; the general lambda decay
// only applies when no low_lane_diversity reason fired this iteration, so
// the two rules never
// fight over diversity_lambda in the same step.
func Adjust(spec assembler.Spec, verdict Verdict, res assembler.Result) assembler.Spec {
	has := func(r Reason) bool {
		for _, x := range verdict.Reasons {
			if x == r {
				return true
			}
		}
		return false
	}

	if has(ReasonBelowTargetLimit) || has(ReasonNoItemsSelected) {
		step := spec.Limit / 2
		if step < 4 {
			step = 4
		}
		spec.Limit += step
		spec.ExpandPerSeed += 2
	}

	if has(ReasonNoItemsAboveThreshold) {
		spec.MinScore = floorAt(spec.MinScore*0.75, minScoreFloor)
		spec.ExpandQuery = true
		spec.ExpandQueryTopK += 4
	}

	if has(ReasonWeakAverageScore) {
		spec.MinScore = floorAt(spec.MinScore*0.85, minScoreFloor)
		spec.ExpandQuery = true
		spec.ExpandQueryTopK += 2
	}

	diversityHandled := false
	if has(ReasonLowLaneDiversity) {
		spec.Lanes = extendLanes(spec.Lanes, res)
		spec.DiversityLambda = ceilAt(spec.DiversityLambda*1.05, diversityLambdaCeil)
		diversityHandled = true
	}
	if !diversityHandled {
		spec.DiversityLambda = floorAt(spec.DiversityLambda*0.96, diversityLambdaFloor)
	}

	return assembler.Normalize(spec)
}

func extendLanes(lanes []string, res assembler.Result) []string {
	seen := make(map[string]struct{}, len(lanes))
	out := append([]string(nil), lanes...)
	for _, l := range lanes {
		seen[l] = struct{}{}
	}
	for lane := range res.Summary.LaneCounts {
		if len(out) >= 4 {
			break
		}
		if _, ok := seen[lane]; ok {
			continue
		}
		seen[lane] = struct{}{}
		out = append(out, lane)
	}
	return out
}

func floorAt(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

func ceilAt(v, ceil float64) float64 {
	if v > ceil {
		return ceil
	}
	return v
}
