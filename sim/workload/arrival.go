package workload

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim"
)

// ArrivalSpec configures the inter-arrival process of a generator.
type ArrivalSpec struct {
	// Process is one of poisson, gamma, weibull, constant, or empty when
	// Gap is given.
	Process string   `yaml:"process,omitempty"`
	Rate    float64  `yaml:"rate,omitempty"` // arrivals per time unit
	CV      *float64 `yaml:"cv,omitempty"`
	// Gap samples gaps directly from a duration distribution.
	Gap *DistSpec `yaml:"gap,omitempty"`
}

// GapSampler adapts a Sampler to a generator Distribution.
type GapSampler struct {
	Sampler
}

// NextGap draws the next gap.
func (g GapSampler) NextGap(rng *rand.Rand) (float64, error) { return g.Sample(rng), nil }

// gammaRand draws from Gamma(shape, scale) with the Marsaglia-Tsang
// rejection method. Shapes below 1 are boosted by one and corrected with
// U^(1/shape).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1 {
		boost := math.Pow(rng.Float64(), 1/shape)
		return gammaRand(rng, shape+1, scale) * boost
	}

	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		z := rng.NormFloat64()
		t := 1 + c*z
		if t <= 0 {
			continue
		}
		v := t * t * t
		u := rng.Float64()
		z2 := z * z
		if u < 1-0.0331*z2*z2 || math.Log(u) < z2/2+d*(1-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// NewArrivalProcess creates the gap distribution of a generator. Rate-based
// processes have mean gap 1/rate; CV shapes gamma and weibull processes.
func NewArrivalProcess(spec ArrivalSpec) (sim.Distribution, error) {
	if spec.Gap != nil {
		if spec.Process != "" {
			return nil, fmt.Errorf("arrival: process %q and gap are mutually exclusive", spec.Process)
		}
		s, err := NewSampler(*spec.Gap)
		if err != nil {
			return nil, fmt.Errorf("arrival gap: %w", err)
		}
		return GapSampler{s}, nil
	}
	if err := validateFinitePositive("arrival rate", spec.Rate); err != nil {
		return nil, err
	}
	cv := 1.0
	if spec.CV != nil {
		if err := validateFinitePositive("arrival cv", *spec.CV); err != nil {
			return nil, err
		}
		cv = *spec.CV
	}
	mean := 1.0 / spec.Rate

	switch spec.Process {
	case "poisson":
		return GapSampler{&ExponentialSampler{mean: mean}}, nil

	case "constant":
		return sim.Every(mean), nil

	case "gamma":
		shape := 1 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("gamma arrivals with CV=%.1f give shape %.4f; using exponential gaps", cv, shape)
			return GapSampler{&ExponentialSampler{mean: mean}}, nil
		}
		return GapSampler{&GammaSampler{shape: shape, scale: mean / shape}}, nil

	case "weibull":
		if cv < 0.01 || cv > 10.4 {
			return nil, fmt.Errorf("weibull CV must be in [0.01, 10.4], got %f", cv)
		}
		k := weibullShapeFromCV(cv)
		return GapSampler{&WeibullSampler{shape: k, scale: mean / math.Gamma(1.0+1.0/k)}}, nil
	}
	return nil, fmt.Errorf("unknown arrival process %q; valid: poisson, gamma, weibull, constant", spec.Process)
}

// weibullShapeFromCV bisects k in [0.1, 100] until the Weibull CV is within
// 0.001 of target. The CV falls as k grows.
func weibullShapeFromCV(target float64) float64 {
	lo, hi := 0.1, 100.0
	for range 100 {
		k := (lo + hi) / 2
		got := weibullCV(k)
		switch {
		case math.Abs(got-target) < 0.001:
			return k
		case got > target:
			lo = k
		default:
			hi = k
		}
	}
	k := (lo + hi) / 2
	logrus.Warnf("weibull shape search for CV=%.3f did not converge; using k=%.3f", target, k)
	return k
}

// weibullCV is sqrt(Γ(1+2/k)/Γ(1+1/k)² - 1).
func weibullCV(k float64) float64 {
	g1 := math.Gamma(1 + 1/k)
	return math.Sqrt(math.Gamma(1+2/k)/(g1*g1) - 1)
}
