package strategy

import (
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// orientation converts a validated orientation parameter.
func orientation(s string) network.Orientation {
	v, _ := network.ParseOrientation(s)
	return v
}

type orientationParams struct {
	Orientation string `yaml:"orientation" validate:"omitempty,oneof=out in und"`
}

type countParams struct {
	Own         int    `yaml:"own" validate:"gte=-1"`
	Received    int    `yaml:"received" validate:"gte=-1"`
	Repropagate int    `yaml:"repropagate" validate:"gte=-1"`
	Fanout      int    `yaml:"fanout" validate:"gte=0"`
	Orientation string `yaml:"orientation" validate:"omitempty,oneof=out in und"`
}

type cascadeParams struct {
	Probability float64 `yaml:"probability" validate:"gte=0,lte=1"`
	Orientation string  `yaml:"orientation" validate:"omitempty,oneof=out in und"`
}

type contactParams struct {
	Wait        int32  `yaml:"wait" validate:"gte=0"`
	Resend      bool   `yaml:"resend"`
	Orientation string `yaml:"orientation" validate:"omitempty,oneof=out in und"`
}

type pushPullParams struct {
	Wait   int32 `yaml:"wait" validate:"gte=0"`
	Resend bool  `yaml:"resend"`
}

// NewSelection builds a Selection from its configuration.
func NewSelection(field string, sc *config.StrategyConfig) (Selection, error) {
	if sc == nil {
		return nil, models.Configf(field, "is required")
	}
	params := field + ".params"
	switch sc.Type {
	case "all":
		var p orientationParams
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return AllSelection{Orientation: orientation(p.Orientation)}, nil
	case "count":
		p := countParams{Own: -1, Received: -1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return CountSelection{Own: p.Own, Received: p.Received, Repropagate: p.Repropagate, Fanout: p.Fanout, Orientation: orientation(p.Orientation)}, nil
	case "cascade", "independent_cascade":
		p := cascadeParams{Probability: 0.1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return CascadeSelection{Probability: p.Probability, Orientation: orientation(p.Orientation)}, nil
	case "push":
		var p contactParams
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return PushSelection{Wait: p.Wait, Resend: p.Resend, Orientation: orientation(p.Orientation)}, nil
	case "pull":
		p := contactParams{Orientation: "in"}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return PullSelection{Wait: p.Wait, Resend: p.Resend, Orientation: orientation(p.Orientation)}, nil
	case "push_pull":
		var p pushPullParams
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return PushPullSelection{Wait: p.Wait, Resend: p.Resend}, nil
	default:
		return nil, models.Configf(field+".type", "unknown selection %q", sc.Type)
	}
}

type reliableParams struct {
	SuppressDuplicates bool `yaml:"suppress_duplicates"`
}

type lossyParams struct {
	Probability        float64 `yaml:"probability" validate:"gte=0,lte=1"`
	SuppressDuplicates bool    `yaml:"suppress_duplicates"`
}

type bandwidthParams struct {
	Capacity           int  `yaml:"capacity" validate:"gte=1"`
	SuppressDuplicates bool `yaml:"suppress_duplicates"`
}

// NewPropagation builds a Propagation from its configuration.
func NewPropagation(field string, sc *config.StrategyConfig) (Propagation, error) {
	if sc == nil {
		return nil, models.Configf(field, "is required")
	}
	params := field + ".params"
	switch sc.Type {
	case "reliable":
		var p reliableParams
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return ReliablePropagation{SuppressDuplicates: p.SuppressDuplicates}, nil
	case "lossy":
		p := lossyParams{Probability: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return LossyPropagation{Probability: p.Probability, SuppressDuplicates: p.SuppressDuplicates}, nil
	case "bandwidth":
		p := bandwidthParams{Capacity: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return BandwidthPropagation{Capacity: p.Capacity, SuppressDuplicates: p.SuppressDuplicates}, nil
	default:
		return nil, models.Configf(field+".type", "unknown propagation %q", sc.Type)
	}
}

type probabilityParams struct {
	Probability float64 `yaml:"probability" validate:"gte=0,lte=1"`
}

type limitParams struct {
	Limit int `yaml:"limit" validate:"gte=1"`
}

type featureParams struct {
	Base   float64 `yaml:"base" validate:"gte=0,lte=1"`
	Weight float64 `yaml:"weight"`
}

// NewSight builds a Sight from its configuration.
func NewSight(field string, sc *config.StrategyConfig) (Sight, error) {
	if sc == nil {
		return nil, models.Configf(field, "is required")
	}
	params := field + ".params"
	switch sc.Type {
	case "all":
		var p struct{}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return AllSight{}, nil
	case "probability":
		p := probabilityParams{Probability: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return ProbabilitySight{Probability: p.Probability}, nil
	case "count":
		p := limitParams{Limit: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return CountSight{Limit: p.Limit}, nil
	case "feature":
		p := featureParams{Weight: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return FeatureSight{Base: p.Base, Weight: p.Weight}, nil
	default:
		return nil, models.Configf(field+".type", "unknown sight %q", sc.Type)
	}
}

// NewUpdate builds an Update from its configuration.
func NewUpdate(field string, sc *config.StrategyConfig) (Update, error) {
	if sc == nil {
		return nil, models.Configf(field, "is required")
	}
	var p struct{}
	if err := config.DecodeParams(field+".params", sc.Params, &p); err != nil {
		return nil, err
	}
	switch sc.Type {
	case "newest":
		return MergeUpdate{Policy: state.KeepNewest}, nil
	case "oldest":
		return MergeUpdate{Policy: state.KeepOldest}, nil
	case "merge":
		return MergeUpdate{Policy: state.MergeSenders}, nil
	default:
		return nil, models.Configf(field+".type", "unknown update %q", sc.Type)
	}
}

type timeoutParams struct {
	Iterations int32 `yaml:"iterations" validate:"gte=1"`
}

type lifespanParams struct {
	Default int32 `yaml:"default" validate:"gte=0"`
}

// NewExpiration builds an Expiration from its configuration. A nil
// configuration means pieces never expire.
func NewExpiration(field string, sc *config.StrategyConfig) (Expiration, error) {
	if sc == nil {
		return InfiniteExpiration{}, nil
	}
	params := field + ".params"
	switch sc.Type {
	case "infinite":
		var p struct{}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return InfiniteExpiration{}, nil
	case "timeout":
		p := timeoutParams{Iterations: 1}
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return TimeoutExpiration{Iterations: p.Iterations}, nil
	case "lifespan":
		var p lifespanParams
		if err := config.DecodeParams(params, sc.Params, &p); err != nil {
			return nil, err
		}
		return LifespanExpiration{Default: p.Default}, nil
	default:
		return nil, models.Configf(field+".type", "unknown expiration %q", sc.Type)
	}
}
