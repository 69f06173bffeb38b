package workload

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/inference-sim/dessim/sim"
)

// Sampler draws non-negative durations (timeouts, delays, gaps).
type Sampler interface {
	Sample(rng *rand.Rand) float64
}

// DistSpec parameterizes a sampled duration.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

// ConstantSampler always returns the same value.
type ConstantSampler struct {
	value float64
}

func (s *ConstantSampler) Sample(_ *rand.Rand) float64 { return s.value }

// UniformSampler draws from [min, max).
type UniformSampler struct {
	min, max float64
}

func (s *UniformSampler) Sample(rng *rand.Rand) float64 {
	return s.min + rng.Float64()*(s.max-s.min)
}

// ExponentialSampler produces exponentially-distributed durations.
type ExponentialSampler struct {
	mean float64
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) float64 {
	return rng.ExpFloat64() * s.mean
}

// GaussianSampler produces Gaussian durations clamped to [min, max].
type GaussianSampler struct {
	mean, stdDev float64
	min, max     float64
}

func (s *GaussianSampler) Sample(rng *rand.Rand) float64 {
	if s.min == s.max {
		return s.min
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	return math.Min(s.max, math.Max(s.min, val))
}

// GammaSampler produces Gamma(shape, scale) durations.
type GammaSampler struct {
	shape, scale float64
}

func (s *GammaSampler) Sample(rng *rand.Rand) float64 {
	return gammaRand(rng, s.shape, s.scale)
}

// WeibullSampler produces Weibull(shape, scale) durations.
type WeibullSampler struct {
	shape, scale float64
}

func (s *WeibullSampler) Sample(rng *rand.Rand) float64 {
	// Inverse CDF: scale * (-ln(U))^(1/shape)
	u := rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64 // prevent -ln(0) = +Inf
	}
	return s.scale * math.Pow(-math.Log(u), 1.0/s.shape)
}

// LogNormalSampler produces exp(mu + sigma*Z) durations.
type LogNormalSampler struct {
	mu, sigma float64
}

func (s *LogNormalSampler) Sample(rng *rand.Rand) float64 {
	return math.Exp(s.mu + s.sigma*rng.NormFloat64())
}

// EmpiricalSampler samples from an empirical probability distribution
// using inverse CDF via binary search.
type EmpiricalSampler struct {
	values []float64 // sorted
	cdf    []float64 // cumulative probabilities (same length as values)
}

// NewEmpiricalSampler creates a sampler from a value → probability map.
// Probabilities are normalized if they don't sum to 1.0.
func NewEmpiricalSampler(pdf map[float64]float64) *EmpiricalSampler {
	keys := make([]float64, 0, len(pdf))
	totalProb := 0.0
	for k, p := range pdf {
		if p <= 0 {
			continue
		}
		keys = append(keys, k)
		totalProb += p
	}
	sort.Float64s(keys)

	values := make([]float64, 0, len(keys))
	cdf := make([]float64, 0, len(keys))
	cumulative := 0.0
	for _, k := range keys {
		cumulative += pdf[k] / totalProb
		values = append(values, k)
		cdf = append(cdf, cumulative)
	}
	// Ensure last CDF entry is exactly 1.0
	if len(cdf) > 0 {
		cdf[len(cdf)-1] = 1.0
	}
	return &EmpiricalSampler{values: values, cdf: cdf}
}

func (s *EmpiricalSampler) Sample(rng *rand.Rand) float64 {
	if len(s.values) == 1 {
		return s.values[0]
	}
	u := rng.Float64()
	idx := sort.SearchFloat64s(s.cdf, u)
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	return s.values[idx]
}

// requireParam checks that all required keys exist in a params map.
func requireParam(params map[string]float64, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("distribution requires parameter %q", k)
		}
	}
	return nil
}

// NewSampler creates a Sampler from a DistSpec.
func NewSampler(spec DistSpec) (Sampler, error) {
	if err := validateDistSpec("distribution", &spec); err != nil {
		return nil, err
	}
	p := spec.Params
	switch spec.Type {
	case "constant":
		if err := requireParam(p, "value"); err != nil {
			return nil, err
		}
		if p["value"] < 0 {
			return nil, fmt.Errorf("constant value must be non-negative, got %g", p["value"])
		}
		return &ConstantSampler{value: p["value"]}, nil

	case "uniform":
		if err := requireParam(p, "min", "max"); err != nil {
			return nil, err
		}
		if p["min"] < 0 || p["max"] < p["min"] {
			return nil, fmt.Errorf("uniform needs 0 <= min <= max, got [%g, %g]", p["min"], p["max"])
		}
		return &UniformSampler{min: p["min"], max: p["max"]}, nil

	case "exponential":
		if err := requireParam(p, "mean"); err != nil {
			return nil, err
		}
		if err := validateFinitePositive("exponential mean", p["mean"]); err != nil {
			return nil, err
		}
		return &ExponentialSampler{mean: p["mean"]}, nil

	case "gaussian":
		if err := requireParam(p, "mean", "std_dev"); err != nil {
			return nil, err
		}
		lo, hi := 0.0, math.Inf(1)
		if v, ok := p["min"]; ok {
			lo = math.Max(0, v)
		}
		if v, ok := p["max"]; ok {
			hi = v
		}
		if hi < lo {
			return nil, fmt.Errorf("gaussian max %g below min %g", hi, lo)
		}
		return &GaussianSampler{mean: p["mean"], stdDev: p["std_dev"], min: lo, max: hi}, nil

	case "gamma":
		if err := requireParam(p, "shape", "scale"); err != nil {
			return nil, err
		}
		if err := validateFinitePositive("gamma shape", p["shape"]); err != nil {
			return nil, err
		}
		if err := validateFinitePositive("gamma scale", p["scale"]); err != nil {
			return nil, err
		}
		return &GammaSampler{shape: p["shape"], scale: p["scale"]}, nil

	case "weibull":
		if err := requireParam(p, "shape", "scale"); err != nil {
			return nil, err
		}
		if err := validateFinitePositive("weibull shape", p["shape"]); err != nil {
			return nil, err
		}
		if err := validateFinitePositive("weibull scale", p["scale"]); err != nil {
			return nil, err
		}
		return &WeibullSampler{shape: p["shape"], scale: p["scale"]}, nil

	case "lognormal":
		if err := requireParam(p, "mu", "sigma"); err != nil {
			return nil, err
		}
		return &LogNormalSampler{mu: p["mu"], sigma: p["sigma"]}, nil

	case "empirical":
		if len(p) == 0 {
			return nil, fmt.Errorf("empirical distribution requires inline params")
		}
		// Inline params used as PDF (value → probability)
		pdf := make(map[float64]float64, len(p))
		for k, prob := range p {
			v, err := strconv.ParseFloat(k, 64)
			if err != nil {
				return nil, fmt.Errorf("empirical PDF key %q is not a number: %w", k, err)
			}
			if v < 0 {
				return nil, fmt.Errorf("empirical PDF value %g is negative", v)
			}
			pdf[v] = prob
		}
		s := NewEmpiricalSampler(pdf)
		if len(s.values) == 0 {
			return nil, fmt.Errorf("empirical distribution has no positive probability")
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown distribution type %q", spec.Type)
}

// Duration adapts a Sampler to a kernel Value. Draws come from the
// simulator's activity stream, so they are reproducible per seed.
func Duration(s Sampler) sim.Value {
	return sim.ValueFunc(func(a *sim.Arrival) (float64, error) {
		return s.Sample(a.Simulator().RNG(sim.SubsystemActivity)), nil
	})
}
