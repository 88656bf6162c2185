package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func driver(id string, rating float64, dist float64) Input {
	return Input{
		Driver:         models.DriverSnapshot{ID: id, Rating: rating, IdleStart: t0},
		DistanceMeters: dist,
	}
}

func TestRankPrefersHigherRatingAtEqualDistance(t *testing.T) {
	w := DefaultScoring()
	got := Rank(w, 3000, []Input{driver("A", 4.0, 500), driver("B", 5.0, 500)}, t0)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].DriverID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestRankTieBreaksOnRatingThenID(t *testing.T) {
	w := Scoring{DistanceWeight: 1, TopN: 5}
	got := Rank(w, 1000, []Input{driver("b", 4, 100), driver("a", 4, 100), driver("c", 5, 100)}, t0)
	assert.Equal(t, []string{"c", "a", "b"}, ids(got))
}

func TestRankAppliesThresholdAndTopN(t *testing.T) {
	w := DefaultScoring()
	w.TopN = 2
	pool := []Input{
		driver("near", 5, 100),
		driver("mid", 5, 1500),
		driver("edge", 5, 2900),
		// rating 0 and at the radius edge scores only the cancel-rate term
		driver("bad", 0, 3000),
	}
	got := Rank(w, 3000, pool, t0)
	assert.Equal(t, []string{"near", "mid"}, ids(got))

	w.TopN = 10
	got = Rank(w, 3000, pool, t0)
	assert.NotContains(t, ids(got), "bad")
}

func TestScoreTerms(t *testing.T) {
	w := Scoring{DistanceWeight: 1, DriverRatingWeight: 1, IdleTimeWeight: 1, CancelRateWeight: 1}
	in := Input{
		Driver: models.DriverSnapshot{
			ID: "d", Rating: 5, IdleStart: t0.Add(-time.Hour),
			AcceptedOrdersCount: 3, RejectedOrdersCount: 1,
		},
		DistanceMeters: 500,
	}
	// 0.5 distance + 1 rating + 0.75 cancel + 1 idle (saturated)
	assert.InDelta(t, 3.25, Score(w, 1000, in, t0), 1e-9)

	in.DistanceMeters = 5000
	assert.InDelta(t, 2.75, Score(w, 1000, in, t0), 1e-9)
}

func pool(ids ...string) []Input {
	out := make([]Input, len(ids))
	for i, id := range ids {
		out[i] = driver(id, 5, float64(100*(i+1)))
	}
	return out
}

func TestBroadcastWaves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broadcast.WaveSize = 2
	cfg.Broadcast.MaxWaves = 2
	p := New(cfg)
	st := p.Start(t0)

	search, ok := p.Plan(st, t0)
	require.True(t, ok)
	assert.Equal(t, 3000.0, search.RadiusMeters)

	d := p.Decide(st, search, pool("a", "b", "c"), t0)
	assert.Equal(t, ActionOffer, d.Action)
	assert.Equal(t, []string{"a", "b"}, d.DriverIDs)
	assert.Equal(t, 30*time.Second, d.After)
	assert.Equal(t, 1, d.State.Round)

	st = d.State
	st.Rejected = []string{"a"}
	search, ok = p.Plan(st, t0.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, 3000.0, search.RadiusMeters, "radius is fixed while expansion is disabled")
	d = p.Decide(st, search, pool("a", "b", "c"), t0.Add(30*time.Second))
	assert.Equal(t, []string{"b", "c"}, d.DriverIDs, "rejected drivers are never re-offered")

	_, ok = p.Plan(d.State, t0.Add(time.Minute))
	assert.False(t, ok, "max waves reached")
}

func TestBroadcastRadiusExpansion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RadiusExpansion.Enabled = true
	cfg.RadiusExpansion.MaxSteps = 1
	cfg.MaxSearchRadiusMeters = 3500
	p := New(cfg)
	st := p.Start(t0)

	search, _ := p.Plan(st, t0)
	d := p.Decide(st, search, nil, t0)
	assert.Equal(t, ActionWait, d.Action)

	search, ok := p.Plan(d.State, t0)
	require.True(t, ok)
	assert.Equal(t, 3500.0, search.RadiusMeters, "capped at max radius")
	d = p.Decide(d.State, search, nil, t0)
	assert.Equal(t, 1, d.State.ExpansionSteps)

	search, _ = p.Plan(d.State, t0)
	assert.Equal(t, 3500.0, search.RadiusMeters, "no steps left")
}

func TestSequentialStepsAndLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = Sequential
	cfg.Sequential.DriverRetryLimit = 2
	p := New(cfg)
	st := p.Start(t0)

	search, ok := p.Plan(st, t0)
	require.True(t, ok)
	d := p.Decide(st, search, pool("a", "b", "c"), t0)
	assert.Equal(t, ActionOffer, d.Action)
	assert.Equal(t, []string{"a"}, d.DriverIDs)
	assert.Equal(t, 30*time.Second, d.After)

	// a timed out without answering; it is avoided on the next step
	st = d.State
	d = p.Decide(st, search, pool("a", "b", "c"), t0)
	assert.Equal(t, []string{"b"}, d.DriverIDs)

	st = d.State
	st.Rejected = []string{"a", "b"}
	_, ok = p.Plan(st, t0)
	assert.False(t, ok, "retry limit reached")
}

func TestSequentialMaxDriversToTest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = Sequential
	cfg.Sequential.MaxDriversToTest = 1
	p := New(cfg)
	st := p.Start(t0)
	search, _ := p.Plan(st, t0)
	d := p.Decide(st, search, pool("a", "b"), t0)
	_, ok := p.Plan(d.State, t0)
	assert.False(t, ok)
}

func TestSequentialEmptyPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = Sequential
	p := New(cfg)
	st := p.Start(t0)
	search, _ := p.Plan(st, t0)
	assert.Equal(t, ActionExhausted, p.Decide(st, search, nil, t0).Action)

	cfg.RadiusExpansion.Enabled = true
	p = New(cfg)
	d := p.Decide(st, search, nil, t0)
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, 10*time.Second, d.After)
	assert.Equal(t, 3100.0, d.State.RadiusMeters)
}

func TestRequestTimeoutExhausts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeoutSeconds = 60
	p := New(cfg)
	st := p.Start(t0)
	_, ok := p.Plan(st, t0.Add(61*time.Second))
	assert.False(t, ok)
}

func TestFallbackOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = Sequential
	relaxed := Scoring{DistanceWeight: 1, TopN: 3}
	cfg.Fallback = Fallback{Enabled: true, Strategy: Broadcast, Scoring: &relaxed}
	p := New(cfg)

	st := p.Start(t0)
	st.Attempts = 10
	st.Round = 10
	next, ok := p.Fallback(st, t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, Broadcast, next.Strategy)
	assert.Zero(t, next.Round)
	assert.Zero(t, next.Attempts)
	assert.Equal(t, relaxed, p.ScoringFor(next))
	assert.Equal(t, t0.Add(time.Minute), next.StartedAt)

	_, ok = p.Fallback(next, t0.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Strategy = "roundrobin"
	cfg.Scoring.TopN = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roundrobin")
	assert.Contains(t, err.Error(), "topN")
}
