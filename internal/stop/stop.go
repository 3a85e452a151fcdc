package stop

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// Condition decides whether a run terminates. It is checked once after every
// completed iteration; completed is the number of iterations run so far.
type Condition interface {
	Name() string
	ShouldStop(h *history.History, completed int32) bool
}

// MaxIterations stops once Max iterations have completed.
type MaxIterations struct {
	Max int32
}

func (c MaxIterations) Name() string { return fmt.Sprintf("max_iterations(%d)", c.Max) }

func (c MaxIterations) ShouldStop(_ *history.History, completed int32) bool {
	return completed >= c.Max
}

// NoNewSeen stops when the last iteration made nobody see a new piece and
// every authored piece has been published.
type NoNewSeen struct{}

func (NoNewSeen) Name() string { return "no_new_seen" }

func (NoNewSeen) ShouldStop(h *history.History, _ int32) bool {
	last, ok := h.Last()
	return ok && len(last.Seen) == 0 && last.Scheduled == 0
}

// AllExpired stops when no active record is left anywhere in the network.
type AllExpired struct{}

func (AllExpired) Name() string { return "all_expired" }

func (AllExpired) ShouldStop(h *history.History, _ int32) bool {
	last, ok := h.Last()
	return ok && last.Active == 0
}

// NoPropagation stops when the last iteration propagated nothing, no piece
// is waiting to be propagated and none is still to be published.
type NoPropagation struct{}

func (NoPropagation) Name() string { return "no_propagation" }

func (NoPropagation) ShouldStop(h *history.History, _ int32) bool {
	last, ok := h.Last()
	return ok && len(last.Propagated) == 0 && len(last.Repropagated) == 0 &&
		last.Pending == 0 && last.Scheduled == 0
}

// Any stops when one of its conditions does.
type Any []Condition

func (a Any) Name() string { return "any(" + names(a) + ")" }

func (a Any) ShouldStop(h *history.History, completed int32) bool {
	for _, c := range a {
		if c.ShouldStop(h, completed) {
			return true
		}
	}
	return false
}

// All stops when every one of its conditions does.
type All []Condition

func (a All) Name() string { return "all(" + names(a) + ")" }

func (a All) ShouldStop(h *history.History, completed int32) bool {
	for _, c := range a {
		if !c.ShouldStop(h, completed) {
			return false
		}
	}
	return len(a) > 0
}

func names(cs []Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.Name()
	}
	return strings.Join(parts, ",")
}

var simple = map[string]Condition{
	"no_new_seen":    NoNewSeen{},
	"all_expired":    AllExpired{},
	"no_propagation": NoPropagation{},
}

type maxParams struct {
	Max int32 `yaml:"max" validate:"gte=1"`
}

// FromConfig builds a condition tree from configuration.
func FromConfig(cfg config.StopConfig) (Condition, error) {
	return build("stop", cfg)
}

func build(field string, cfg config.StopConfig) (Condition, error) {
	var empty struct{}
	switch cfg.Type {
	case "max_iterations":
		var p maxParams
		if err := config.DecodeParams(field+".params", cfg.Params, &p); err != nil {
			return nil, err
		}
		return MaxIterations{Max: p.Max}, nil
	case "no_new_seen", "all_expired", "no_propagation":
		if err := config.DecodeParams(field+".params", cfg.Params, &empty); err != nil {
			return nil, err
		}
		return simple[cfg.Type], nil
	case "any", "all":
		if len(cfg.Conditions) == 0 {
			return nil, models.Configf(field+".conditions", "%s needs at least one condition", cfg.Type)
		}
		var (
			conds []Condition
			errs  error
		)
		for i, sub := range cfg.Conditions {
			c, err := build(fmt.Sprintf("%s.conditions[%d]", field, i), sub)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			conds = append(conds, c)
		}
		if errs != nil {
			return nil, errs
		}
		if cfg.Type == "any" {
			return Any(conds), nil
		}
		return All(conds), nil
	default:
		return nil, models.Configf(field+".type", "unknown stop condition %q", cfg.Type)
	}
}
