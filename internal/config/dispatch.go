package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/example/ride-dispatch/internal/matcher"
)

type scoringFile struct {
	DistanceWeight     float64 `mapstructure:"distanceWeight"`
	DriverRatingWeight float64 `mapstructure:"driverRatingWeight"`
	IdleTimeWeight     float64 `mapstructure:"idleTimeWeight"`
	CancelRateWeight   float64 `mapstructure:"cancelRateWeight"`
	Threshold          float64 `mapstructure:"threshold"`
	TopN               int     `mapstructure:"topN"`
}

// dispatchFile mirrors the dispatch policy document.
type dispatchFile struct {
	Strategy              string      `mapstructure:"strategy"`
	RequestTimeoutSeconds int         `mapstructure:"requestTimeoutSeconds"`
	MaxSearchRadiusMeters float64     `mapstructure:"maxSearchRadiusMeters"`
	InitialRadiusMeters   float64     `mapstructure:"initialRadiusMeters"`
	NotifyAdminOnFailure  bool        `mapstructure:"notifyAdminOnFailure"`
	Scoring               scoringFile `mapstructure:"scoring"`
	RadiusExpansion       struct {
		Enabled         bool    `mapstructure:"enabled"`
		StepMeters      float64 `mapstructure:"stepMeters"`
		IntervalSeconds int     `mapstructure:"intervalSeconds"`
		MaxSteps        int     `mapstructure:"maxSteps"`
	} `mapstructure:"radiusExpansion"`
	Fallback struct {
		Enabled  bool         `mapstructure:"enabled"`
		Strategy string       `mapstructure:"strategy"`
		Scoring  *scoringFile `mapstructure:"scoring"`
	} `mapstructure:"fallback"`
	Broadcast struct {
		WaveSize              int     `mapstructure:"waveSize"`
		WaveIntervalSeconds   int     `mapstructure:"waveIntervalSeconds"`
		MaxWaves              int     `mapstructure:"maxWaves"`
		RadiusIncrementMeters float64 `mapstructure:"radiusIncrementMeters"`
	} `mapstructure:"broadcast"`
	Sequential struct {
		PerDriverTimeoutSeconds int  `mapstructure:"perDriverTimeoutSeconds"`
		AvoidPreviousCandidates bool `mapstructure:"avoidPreviousCandidates"`
		DriverRetryLimit        int  `mapstructure:"driverRetryLimit"`
		MaxDriversToTest        int  `mapstructure:"maxDriversToTest"`
	} `mapstructure:"sequential"`
}

func setDispatchDefaults(v *viper.Viper) {
	d := matcher.DefaultConfig()
	v.SetDefault("strategy", string(d.Strategy))
	v.SetDefault("requestTimeoutSeconds", d.RequestTimeoutSeconds)
	v.SetDefault("maxSearchRadiusMeters", d.MaxSearchRadiusMeters)
	v.SetDefault("initialRadiusMeters", d.InitialRadiusMeters)
	v.SetDefault("notifyAdminOnFailure", d.NotifyAdminOnFailure)

	v.SetDefault("scoring.distanceWeight", d.Scoring.DistanceWeight)
	v.SetDefault("scoring.driverRatingWeight", d.Scoring.DriverRatingWeight)
	v.SetDefault("scoring.idleTimeWeight", d.Scoring.IdleTimeWeight)
	v.SetDefault("scoring.cancelRateWeight", d.Scoring.CancelRateWeight)
	v.SetDefault("scoring.threshold", d.Scoring.Threshold)
	v.SetDefault("scoring.topN", d.Scoring.TopN)

	v.SetDefault("radiusExpansion.enabled", d.RadiusExpansion.Enabled)
	v.SetDefault("radiusExpansion.stepMeters", d.RadiusExpansion.StepMeters)
	v.SetDefault("radiusExpansion.intervalSeconds", d.RadiusExpansion.IntervalSeconds)
	v.SetDefault("radiusExpansion.maxSteps", d.RadiusExpansion.MaxSteps)

	v.SetDefault("fallback.enabled", d.Fallback.Enabled)
	v.SetDefault("fallback.strategy", string(d.Fallback.Strategy))

	v.SetDefault("broadcast.waveSize", d.Broadcast.WaveSize)
	v.SetDefault("broadcast.waveIntervalSeconds", d.Broadcast.WaveIntervalSeconds)
	v.SetDefault("broadcast.maxWaves", d.Broadcast.MaxWaves)
	v.SetDefault("broadcast.radiusIncrementMeters", d.Broadcast.RadiusIncrementMeters)

	v.SetDefault("sequential.perDriverTimeoutSeconds", d.Sequential.PerDriverTimeoutSeconds)
	v.SetDefault("sequential.avoidPreviousCandidates", d.Sequential.AvoidPreviousCandidates)
	v.SetDefault("sequential.driverRetryLimit", d.Sequential.DriverRetryLimit)
	v.SetDefault("sequential.maxDriversToTest", d.Sequential.MaxDriversToTest)
}

// LoadDispatchConfig reads the dispatch policy from path (YAML or JSON).
// An empty path yields the defaults. DISPATCH_* variables override file
// values, e.g. DISPATCH_BROADCAST_WAVESIZE.
func LoadDispatchConfig(path string) (matcher.Config, error) {
	v := viper.New()
	setDispatchDefaults(v)
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return matcher.Config{}, fmt.Errorf("read dispatch config %s: %w", path, err)
		}
	}
	var f dispatchFile
	if err := v.Unmarshal(&f); err != nil {
		return matcher.Config{}, fmt.Errorf("decode dispatch config: %w", err)
	}
	cfg := f.model()
	if err := cfg.Validate(); err != nil {
		return matcher.Config{}, fmt.Errorf("invalid dispatch config: %w", err)
	}
	return cfg, nil
}

func (s scoringFile) model() matcher.Scoring {
	return matcher.Scoring{
		DistanceWeight:     s.DistanceWeight,
		DriverRatingWeight: s.DriverRatingWeight,
		IdleTimeWeight:     s.IdleTimeWeight,
		CancelRateWeight:   s.CancelRateWeight,
		Threshold:          s.Threshold,
		TopN:               s.TopN,
	}
}

func (f dispatchFile) model() matcher.Config {
	cfg := matcher.Config{
		Strategy:              matcher.Strategy(strings.ToLower(f.Strategy)),
		RequestTimeoutSeconds: f.RequestTimeoutSeconds,
		MaxSearchRadiusMeters: f.MaxSearchRadiusMeters,
		InitialRadiusMeters:   f.InitialRadiusMeters,
		NotifyAdminOnFailure:  f.NotifyAdminOnFailure,
		Scoring:               f.Scoring.model(),
		RadiusExpansion: matcher.RadiusExpansion{
			Enabled:         f.RadiusExpansion.Enabled,
			StepMeters:      f.RadiusExpansion.StepMeters,
			IntervalSeconds: f.RadiusExpansion.IntervalSeconds,
			MaxSteps:        f.RadiusExpansion.MaxSteps,
		},
		Fallback: matcher.Fallback{
			Enabled:  f.Fallback.Enabled,
			Strategy: matcher.Strategy(strings.ToLower(f.Fallback.Strategy)),
		},
		Broadcast: matcher.BroadcastConfig{
			WaveSize:              f.Broadcast.WaveSize,
			WaveIntervalSeconds:   f.Broadcast.WaveIntervalSeconds,
			MaxWaves:              f.Broadcast.MaxWaves,
			RadiusIncrementMeters: f.Broadcast.RadiusIncrementMeters,
		},
		Sequential: matcher.SequentialConfig{
			PerDriverTimeoutSeconds: f.Sequential.PerDriverTimeoutSeconds,
			AvoidPreviousCandidates: f.Sequential.AvoidPreviousCandidates,
			DriverRetryLimit:        f.Sequential.DriverRetryLimit,
			MaxDriversToTest:        f.Sequential.MaxDriversToTest,
		},
	}
	if f.Fallback.Scoring != nil {
		s := f.Fallback.Scoring.model()
		cfg.Fallback.Scoring = &s
	}
	return cfg
}
