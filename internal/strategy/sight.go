package strategy

import (
	"fmt"
	"sort"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// AllSight perceives every delivery.
type AllSight struct{}

func (AllSight) Name() string { return "all" }

func (AllSight) Sees(_ View, _ int32, deliveries []Delivery, _ *utils.RandSource) ([]bool, error) {
	out := make([]bool, len(deliveries))
	for i := range out {
		out[i] = true
	}
	return out, nil
}

// ProbabilitySight perceives each delivery independently with Probability.
type ProbabilitySight struct {
	Probability float64
}

func (ProbabilitySight) Name() string { return "probability" }

func (s ProbabilitySight) Sees(_ View, _ int32, deliveries []Delivery, rng *utils.RandSource) ([]bool, error) {
	out := make([]bool, len(deliveries))
	for i := range out {
		out[i] = rng.BernoulliBool(s.Probability)
	}
	return out, nil
}

// CountSight models feed overflow: at most Limit deliveries per iteration are
// perceived, chosen at random.
type CountSight struct {
	Limit int
}

func (CountSight) Name() string { return "count" }

func (s CountSight) Sees(_ View, _ int32, deliveries []Delivery, rng *utils.RandSource) ([]bool, error) {
	out := make([]bool, len(deliveries))
	if len(deliveries) <= s.Limit {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	for _, i := range rng.Sample(len(deliveries), s.Limit) {
		out[i] = true
	}
	return out, nil
}

// FeatureSight perceives a delivery with probability
// Base + Weight * (user features . piece features), clamped to [0, 1].
type FeatureSight struct {
	Base   float64
	Weight float64
}

func (FeatureSight) Name() string { return "feature" }

func (s FeatureSight) Sees(v View, recipient int32, deliveries []Delivery, rng *utils.RandSource) ([]bool, error) {
	uf := v.Network.User(recipient).Features
	out := make([]bool, len(deliveries))
	for i, d := range deliveries {
		if d.Piece < 0 || int(d.Piece) >= v.Network.NumPieces() {
			return nil, fmt.Errorf("delivery of unknown piece %d", d.Piece)
		}
		p := utils.ClampFloat64(s.Base+s.Weight*dot(uf, v.Network.Piece(d.Piece).Features), 0, 1)
		out[i] = rng.BernoulliBool(p)
	}
	return out, nil
}

// dot sums in key order so the result does not depend on map iteration.
func dot(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if _, ok := a[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	sum := 0.0
	for _, k := range keys {
		sum += a[k] * b[k]
	}
	return sum
}
