// Package matcher holds the dispatch strategy policy: how candidate drivers
// are scored and who gets the offer next. It performs no I/O; the offer
// coordinator feeds it state and candidate pools and acts on its decisions.
package matcher

import (
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// idleSaturation is the idle time that earns the full idle bonus.
const idleSaturation = 30 * time.Minute

// Input is a driver returned by the proximity search.
type Input struct {
	Driver         models.DriverSnapshot
	DistanceMeters float64
}

// Score combines normalized distance, rating, cancellation rate and idle time.
func Score(w Scoring, radiusMeters float64, in Input, now time.Time) float64 {
	dist := 0.0
	if radiusMeters > 0 {
		dist = clamp01(1 - in.DistanceMeters/radiusMeters)
	}
	idle := 0.0
	if !in.Driver.IdleStart.IsZero() {
		idle = clamp01(float64(now.Sub(in.Driver.IdleStart)) / float64(idleSaturation))
	}
	return w.DistanceWeight*dist +
		w.DriverRatingWeight*clamp01(in.Driver.Rating/5) +
		w.CancelRateWeight*(1-in.Driver.CancelRate()) +
		w.IdleTimeWeight*idle
}

// Rank scores pool, drops those under the threshold and returns at most TopN,
// best first. Equal scores prefer the higher rating, then the lower id.
func Rank(w Scoring, radiusMeters float64, pool []Input, now time.Time) []models.Candidate {
	type scored struct {
		c      models.Candidate
		rating float64
	}
	list := make([]scored, 0, len(pool))
	for _, in := range pool {
		s := Score(w, radiusMeters, in, now)
		if s < w.Threshold {
			continue
		}
		list = append(list, scored{
			c:      models.Candidate{DriverID: in.Driver.ID, DistanceMeters: in.DistanceMeters, Score: s},
			rating: in.Driver.Rating,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].c.Score != list[j].c.Score {
			return list[i].c.Score > list[j].c.Score
		}
		if list[i].rating != list[j].rating {
			return list[i].rating > list[j].rating
		}
		return list[i].c.DriverID < list[j].c.DriverID
	})
	if w.TopN > 0 && len(list) > w.TopN {
		list = list[:w.TopN]
	}
	out := make([]models.Candidate, len(list))
	for i, s := range list {
		out[i] = s.c
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// State is the dispatch progress of one offer.
type State struct {
	Strategy       Strategy
	Round          int // rounds dispatched with the current strategy
	RadiusMeters   float64
	ExpansionSteps int
	Attempts       int // sequential drivers offered
	FallbackUsed   bool
	StartedAt      time.Time
	Offered        []string // drivers currently holding the offer
	Rejected       []string
	Tested         []string // every driver ever offered
}

type Action int

const (
	// Offer the DriverIDs and schedule the next round after Decision.After.
	ActionOffer Action = iota
	// Nobody to offer this round; try again after Decision.After.
	ActionWait
	// The current strategy cannot make progress.
	ActionExhausted
)

func (a Action) String() string {
	switch a {
	case ActionOffer:
		return "offer"
	case ActionWait:
		return "wait"
	case ActionExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Search is what the coordinator should query the registry with.
type Search struct {
	RadiusMeters float64
	Limit        int
}

// Decision is the outcome of a round. State is the progress to persist.
type Decision struct {
	Action    Action
	DriverIDs []string
	Ranked    []models.Candidate
	After     time.Duration
	State     State
}

// Policy applies a Config.
type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy { return &Policy{cfg: cfg} }

func (p *Policy) Config() Config { return p.cfg }

// Start returns the initial state for an offer dispatched at now.
func (p *Policy) Start(now time.Time) State {
	return State{
		Strategy:     p.cfg.Strategy,
		RadiusMeters: math.Min(p.cfg.InitialRadiusMeters, p.cfg.MaxSearchRadiusMeters),
		StartedAt:    now,
	}
}

// ScoringFor returns the weights in effect for st.
func (p *Policy) ScoringFor(st State) Scoring {
	if st.FallbackUsed && p.cfg.Fallback.Scoring != nil {
		return *p.cfg.Fallback.Scoring
	}
	return p.cfg.Scoring
}

// Timeout is how long a driver holds an offer under st's strategy.
func (p *Policy) Timeout(st State) time.Duration {
	if st.Strategy == Sequential {
		return seconds(p.cfg.Sequential.PerDriverTimeoutSeconds)
	}
	return seconds(p.cfg.Broadcast.WaveIntervalSeconds)
}

// Plan returns the search for the next round, or false when st is exhausted.
func (p *Policy) Plan(st State, now time.Time) (Search, bool) {
	if p.cfg.RequestTimeoutSeconds > 0 && now.Sub(st.StartedAt) >= seconds(p.cfg.RequestTimeoutSeconds) {
		return Search{}, false
	}
	switch st.Strategy {
	case Sequential:
		seq := p.cfg.Sequential
		if seq.DriverRetryLimit > 0 && len(st.Rejected) >= seq.DriverRetryLimit {
			return Search{}, false
		}
		if seq.MaxDriversToTest > 0 && st.Attempts >= seq.MaxDriversToTest {
			return Search{}, false
		}
		return Search{RadiusMeters: st.RadiusMeters, Limit: p.ScoringFor(st).TopN + len(st.Tested)}, true
	default:
		if st.Round >= p.cfg.Broadcast.MaxWaves {
			return Search{}, false
		}
		radius := st.RadiusMeters
		if st.Round > 0 && p.canExpand(st) {
			radius = p.expand(radius, p.broadcastStep())
		}
		return Search{RadiusMeters: radius, Limit: p.cfg.Broadcast.WaveSize + len(st.Rejected)}, true
	}
}

// Decide picks the drivers for the round planned by Plan from pool.
func (p *Policy) Decide(st State, search Search, pool []Input, now time.Time) Decision {
	next := st
	if search.RadiusMeters > st.RadiusMeters {
		next.RadiusMeters = search.RadiusMeters
		next.ExpansionSteps++
	}
	excluded := toSet(st.Rejected)
	if st.Strategy == Sequential && p.cfg.Sequential.AvoidPreviousCandidates {
		for _, id := range st.Tested {
			excluded[id] = struct{}{}
		}
	}
	eligible := make([]Input, 0, len(pool))
	for _, in := range pool {
		if _, skip := excluded[in.Driver.ID]; !skip {
			eligible = append(eligible, in)
		}
	}
	ranked := Rank(p.ScoringFor(st), search.RadiusMeters, eligible, now)

	if st.Strategy == Sequential {
		return p.decideSequential(next, ranked)
	}
	return p.decideBroadcast(next, ranked)
}

func (p *Policy) decideBroadcast(next State, ranked []models.Candidate) Decision {
	next.Round++
	pick := ranked
	if n := p.cfg.Broadcast.WaveSize; n > 0 && len(pick) > n {
		pick = pick[:n]
	}
	d := Decision{Ranked: ranked, After: seconds(p.cfg.Broadcast.WaveIntervalSeconds), State: next}
	if len(pick) == 0 {
		d.Action = ActionWait
		return d
	}
	d.Action = ActionOffer
	d.DriverIDs = ids(pick)
	d.State.Tested = appendUnique(next.Tested, d.DriverIDs...)
	return d
}

func (p *Policy) decideSequential(next State, ranked []models.Candidate) Decision {
	if len(ranked) == 0 {
		if p.canExpand(next) {
			next.RadiusMeters = p.expand(next.RadiusMeters, p.cfg.RadiusExpansion.StepMeters)
			next.ExpansionSteps++
			return Decision{Action: ActionWait, After: seconds(p.cfg.RadiusExpansion.IntervalSeconds), State: next}
		}
		return Decision{Action: ActionExhausted, State: next}
	}
	next.Round++
	next.Attempts++
	top := ranked[0].DriverID
	next.Tested = appendUnique(next.Tested, top)
	return Decision{
		Action:    ActionOffer,
		DriverIDs: []string{top},
		Ranked:    ranked,
		After:     seconds(p.cfg.Sequential.PerDriverTimeoutSeconds),
		State:     next,
	}
}

// Fallback switches st to the fallback strategy once. It returns false when
// no fallback is configured or it was already used.
func (p *Policy) Fallback(st State, now time.Time) (State, bool) {
	fb := p.cfg.Fallback
	if !fb.Enabled || st.FallbackUsed {
		return st, false
	}
	st.Strategy = fb.Strategy
	st.FallbackUsed = true
	st.Round = 0
	st.Attempts = 0
	st.StartedAt = now
	return st, true
}

func (p *Policy) canExpand(st State) bool {
	re := p.cfg.RadiusExpansion
	return re.Enabled && st.ExpansionSteps < re.MaxSteps && st.RadiusMeters < p.cfg.MaxSearchRadiusMeters
}

func (p *Policy) broadcastStep() float64 {
	if p.cfg.Broadcast.RadiusIncrementMeters > 0 {
		return p.cfg.Broadcast.RadiusIncrementMeters
	}
	return p.cfg.RadiusExpansion.StepMeters
}

func (p *Policy) expand(radius, step float64) float64 {
	return math.Min(radius+step, p.cfg.MaxSearchRadiusMeters)
}

func ids(cs []models.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.DriverID
	}
	return out
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

func appendUnique(xs []string, more ...string) []string {
	seen := toSet(xs)
	out := append([]string(nil), xs...)
	for _, x := range more {
		if _, ok := seen[x]; !ok {
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}
