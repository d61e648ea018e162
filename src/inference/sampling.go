package inference

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/model"
)

type candidate struct {
	id    model.TokenId
	logit float32
	prob  float64
}

// Sampler picks the next token from logits. It applies temperature, top-k and top-p filters in
// this order, then draws from the remaining distribution.
type Sampler struct {
	args common.InferenceArgs
	rng  *rand.Rand

	candidates []candidate
}

func NewSampler(args common.InferenceArgs) *Sampler {
	var seed1, seed2 uint64
	if args.Seed < 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	} else {
		seed1, seed2 = uint64(args.Seed), uint64(args.Seed)
	}
	return &Sampler{
		args: args,
		rng:  rand.New(rand.NewPCG(seed1, seed2)),
	}
}

func (s *Sampler) Sample(logits []float32) model.TokenId {
	if s.args.IsGreedy() {
		return model.TokenId(ml.ArgmaxFloat32(logits))
	}

	candidates := s.candidates[:0]
	temperature := s.args.Temperature
	for i, logit := range logits {
		candidates = append(candidates, candidate{id: model.TokenId(i), logit: logit / temperature})
	}
	s.candidates = candidates
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.logit, a.logit); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	if s.args.TopK > 0 && s.args.TopK < len(candidates) {
		candidates = candidates[:s.args.TopK]
	}

	maxLogit := float64(candidates[0].logit)
	var sum float64
	for i := range candidates {
		candidates[i].prob = math.Exp(float64(candidates[i].logit) - maxLogit)
		sum += candidates[i].prob
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}

	// keep the smallest prefix whose cumulative probability reaches top_p
	if topP := float64(s.args.TopP); topP < 1 {
		cumulative := 0.0
		for i := range candidates {
			cumulative += candidates[i].prob
			if cumulative >= topP {
				candidates = candidates[:i+1]
				break
			}
		}
	}

	total := 0.0
	for _, c := range candidates {
		total += c.prob
	}
	r := s.rng.Float64() * total
	for _, c := range candidates {
		r -= c.prob
		if r < 0 {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}
