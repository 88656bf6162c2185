package matcher

import (
	"errors"
	"fmt"
	"time"
)

type Strategy string

const (
	Broadcast  Strategy = "broadcast"
	Sequential Strategy = "sequential"
)

func (s Strategy) Valid() bool { return s == Broadcast || s == Sequential }

// Config is the dispatch policy. Durations are whole seconds as they appear
// in the policy file.
type Config struct {
	Strategy              Strategy
	RequestTimeoutSeconds int
	MaxSearchRadiusMeters float64
	InitialRadiusMeters   float64
	Scoring               Scoring
	RadiusExpansion       RadiusExpansion
	Fallback              Fallback
	NotifyAdminOnFailure  bool
	Broadcast             BroadcastConfig
	Sequential            SequentialConfig
}

// Scoring weights. Candidates scoring below Threshold are dropped and at most
// TopN survive.
type Scoring struct {
	DistanceWeight     float64
	DriverRatingWeight float64
	IdleTimeWeight     float64
	CancelRateWeight   float64
	Threshold          float64
	TopN               int
}

type RadiusExpansion struct {
	Enabled         bool
	StepMeters      float64
	IntervalSeconds int
	MaxSteps        int
}

type Fallback struct {
	Enabled  bool
	Strategy Strategy
	Scoring  *Scoring
}

type BroadcastConfig struct {
	WaveSize              int
	WaveIntervalSeconds   int
	MaxWaves              int
	RadiusIncrementMeters float64
}

type SequentialConfig struct {
	PerDriverTimeoutSeconds int
	AvoidPreviousCandidates bool
	DriverRetryLimit        int
	MaxDriversToTest        int
}

func DefaultScoring() Scoring {
	return Scoring{
		DistanceWeight:     1,
		DriverRatingWeight: 0.5,
		IdleTimeWeight:     0.5,
		CancelRateWeight:   0.5,
		Threshold:          1,
		TopN:               5,
	}
}

func DefaultConfig() Config {
	return Config{
		Strategy:              Broadcast,
		RequestTimeoutSeconds: 3000,
		MaxSearchRadiusMeters: 20000,
		InitialRadiusMeters:   3000,
		Scoring:               DefaultScoring(),
		RadiusExpansion: RadiusExpansion{
			Enabled:         false,
			StepMeters:      100,
			IntervalSeconds: 10,
			MaxSteps:        5,
		},
		Fallback: Fallback{Enabled: false, Strategy: Broadcast},
		Broadcast: BroadcastConfig{
			WaveSize:              10,
			WaveIntervalSeconds:   30,
			MaxWaves:              3,
			RadiusIncrementMeters: 1000,
		},
		Sequential: SequentialConfig{
			PerDriverTimeoutSeconds: 30,
			AvoidPreviousCandidates: true,
			DriverRetryLimit:        3,
			MaxDriversToTest:        10,
		},
	}
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var problems []error
	if !c.Strategy.Valid() {
		problems = append(problems, fmt.Errorf("strategy %q is not broadcast or sequential", c.Strategy))
	}
	if c.MaxSearchRadiusMeters <= 0 {
		problems = append(problems, errors.New("maxSearchRadiusMeters must be > 0"))
	}
	if c.InitialRadiusMeters <= 0 {
		problems = append(problems, errors.New("initialRadiusMeters must be > 0"))
	}
	if c.Scoring.TopN <= 0 {
		problems = append(problems, errors.New("scoring.topN must be > 0"))
	}
	if c.Broadcast.WaveSize <= 0 || c.Broadcast.MaxWaves <= 0 || c.Broadcast.WaveIntervalSeconds <= 0 {
		problems = append(problems, errors.New("broadcast waveSize, maxWaves and waveIntervalSeconds must be > 0"))
	}
	if c.Sequential.PerDriverTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("sequential.perDriverTimeoutSeconds must be > 0"))
	}
	if c.RadiusExpansion.Enabled && c.RadiusExpansion.IntervalSeconds <= 0 {
		problems = append(problems, errors.New("radiusExpansion.intervalSeconds must be > 0"))
	}
	if c.Fallback.Enabled && !c.Fallback.Strategy.Valid() {
		problems = append(problems, fmt.Errorf("fallback strategy %q is not broadcast or sequential", c.Fallback.Strategy))
	}
	if c.Fallback.Scoring != nil && c.Fallback.Scoring.TopN <= 0 {
		problems = append(problems, errors.New("fallback.scoring.topN must be > 0"))
	}
	return errors.Join(problems...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
