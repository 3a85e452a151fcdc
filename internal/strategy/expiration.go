package strategy

import (
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
)

// InfiniteExpiration never expires anything.
type InfiniteExpiration struct{}

func (InfiniteExpiration) Name() string { return "infinite" }

func (InfiniteExpiration) Expired(View, *state.User, *state.Record, int32) bool { return false }

// TimeoutExpiration expires a piece Iterations after the user last touched it.
type TimeoutExpiration struct {
	Iterations int32
}

func (TimeoutExpiration) Name() string { return "timeout" }

func (e TimeoutExpiration) Expired(_ View, _ *state.User, r *state.Record, now int32) bool {
	return r.Has(state.FlagActive) && now-r.LastInteraction() >= e.Iterations
}

// LifespanExpiration expires a piece once it is older than its authored
// lifespan, or Default when the piece has none. A zero lifespan never expires.
type LifespanExpiration struct {
	Default int32
}

func (LifespanExpiration) Name() string { return "lifespan" }

func (e LifespanExpiration) Expired(v View, _ *state.User, r *state.Record, now int32) bool {
	if !r.Has(state.FlagActive) {
		return false
	}
	p := v.Network.Piece(r.Piece)
	life := p.Lifespan
	if life == 0 {
		life = e.Default
	}
	return life > 0 && now-p.Created >= life
}
