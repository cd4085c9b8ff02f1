// Package reward turns objective metrics, qualitative scores and the
// population statistics into a reward amount.
package reward

import "math"

const (
	TokenExponent = 0.6

	ClarityWeight      = 0.5
	ArchitectureWeight = 0.3
	QualityWeight      = 0.2
)

type Params struct {
	BaseCoefficient  float64
	HalvingThreshold float64
}

type Input struct {
	Tokens        int64
	AvgComplexity float64
	Clarity       float64
	Architecture  float64
	Quality       float64
}

// Snapshot is the slice of network statistics the formula reads.
type Snapshot struct {
	TotalDistributed float64
	ComplexityMean   float64
	ComplexityStdDev float64
}

type Breakdown struct {
	BaseValue  float64
	Rarity     float64
	Halving    float64
	AIWeighted float64
	Final      float64
}

func Calculate(p Params, in Input, s Snapshot) Breakdown {
	b := Breakdown{
		BaseValue:  BaseValue(in.Tokens, p.BaseCoefficient),
		Rarity:     Rarity(in.AvgComplexity, s.ComplexityMean, s.ComplexityStdDev),
		Halving:    Halving(s.TotalDistributed, p.HalvingThreshold),
		AIWeighted: AIWeighted(in.Clarity, in.Architecture, in.Quality),
	}
	b.Final = b.BaseValue * b.Rarity * b.Halving * b.AIWeighted
	if math.IsNaN(b.Final) || math.IsInf(b.Final, 0) || b.Final < 0 {
		b.Final = 0
	}
	return b
}

// BaseValue grows sub-linearly with size: tokens^0.6 × coefficient.
func BaseValue(tokens int64, coefficient float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return math.Pow(float64(tokens), TokenExponent) * coefficient
}

// Rarity is 1 + tanh of the complexity z-score, bounded in (0,2). It is 1
// until the population has any spread.
func Rarity(complexity, mean, stddev float64) float64 {
	if stddev <= 0 || math.IsNaN(stddev) {
		return 1
	}
	return 1 + math.Tanh((complexity-mean)/stddev)
}

// Halving halves issuance every threshold units of distributed reward.
func Halving(distributed, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return math.Pow(0.5, distributed/threshold)
}

func AIWeighted(clarity, architecture, quality float64) float64 {
	return ClarityWeight*clarity + ArchitectureWeight*architecture + QualityWeight*quality
}
