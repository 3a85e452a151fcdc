package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

func TestEveryPresetBuilds(t *testing.T) {
	names := Presets()
	assert.Equal(t, []string{"count", "independent_cascade", "pull", "push", "push_pull", "simple"}, names)
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			p, err := FromConfig(config.ProtocolConfig{Preset: name})
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
			assert.NotNil(t, p.Expiration())
		})
	}
}

func TestPresetOverride(t *testing.T) {
	p, err := FromConfig(config.ProtocolConfig{
		Name:        "push-lossy",
		Preset:      "push",
		TieBreak:    "all",
		Propagation: config.Strategy("lossy", map[string]any{"probability": 0.2}),
	})
	require.NoError(t, err)
	assert.Equal(t, "push-lossy", p.Name())
	assert.Equal(t, TieBreakAll, p.TieBreak())
	assert.Equal(t, strategy.LossyPropagation{Probability: 0.2}, p.Propagation())
	assert.Equal(t, strategy.PushSelection{Wait: 1, Orientation: network.Out}, p.Selection())
	assert.Contains(t, p.String(), "propagation=lossy")
}

func TestFingerprintTracksResolvedParameters(t *testing.T) {
	build := func(cfg config.ProtocolConfig) uint64 {
		t.Helper()
		p, err := FromConfig(cfg)
		require.NoError(t, err)
		return p.Fingerprint()
	}
	base := build(config.ProtocolConfig{Preset: "push"})

	assert.Equal(t, base, build(config.ProtocolConfig{Preset: "push"}))
	assert.Equal(t, base, build(config.ProtocolConfig{Preset: "push", Name: "renamed"}), "the name is not part of it")
	assert.NotEqual(t, base, build(config.ProtocolConfig{
		Preset:    "push",
		Selection: config.Strategy("push", map[string]any{"wait": 3}),
	}))
	assert.NotEqual(t, base, build(config.ProtocolConfig{Preset: "push", TieBreak: "random"}))
	assert.NotEqual(t, base, build(config.ProtocolConfig{
		Preset:     "push",
		Expiration: config.Strategy("timeout", map[string]any{"iterations": 4}),
	}))
}

func TestFromConfigRejectsBeforeAnyRun(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ProtocolConfig
	}{
		{"unknown preset", config.ProtocolConfig{Preset: "gossip"}},
		{"unknown strategy", config.ProtocolConfig{Preset: "push", Sight: config.Strategy("psychic", nil)}},
		{"bad params", config.ProtocolConfig{Preset: "push", Selection: config.Strategy("push", map[string]any{"wait": -1})}},
		{"missing strategies", config.ProtocolConfig{Selection: config.Strategy("all", nil)}},
		{"bad tie break", config.ProtocolConfig{Preset: "simple", TieBreak: "coin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.cfg)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestNewRequiresStrategies(t *testing.T) {
	_, err := New("x", Components{})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	p, err := New("x", Components{
		Selection:   strategy.AllSelection{},
		Propagation: strategy.ReliablePropagation{},
		Sight:       strategy.AllSight{},
		Update:      strategy.MergeUpdate{},
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.InfiniteExpiration{}, p.Expiration())
}

func TestTieBreakResolve(t *testing.T) {
	incoming := []strategy.Candidate{
		{Piece: 0, From: 1, To: 9},
		{Piece: 0, From: 4, To: 9},
		{Piece: 0, From: 6, To: 9},
		{Piece: 2, From: 3, To: 9},
	}
	rng := utils.NewDerivedSource(3, 0, 9, utils.StageTieBreak)

	assert.Equal(t, []strategy.Candidate{incoming[0], incoming[3]}, TieBreakFirst.Resolve(incoming, rng))
	assert.Equal(t, incoming, TieBreakAll.Resolve(incoming, rng))

	got := TieBreakRandom.Resolve(incoming, rng)
	require.Len(t, got, 2)
	assert.Equal(t, int32(0), got[0].Piece)
	assert.Contains(t, []int32{1, 4, 6}, got[0].From)
	assert.Equal(t, incoming[3], got[1])

	again := TieBreakRandom.Resolve(incoming, utils.NewDerivedSource(3, 0, 9, utils.StageTieBreak))
	assert.Equal(t, got, again, "seeded choice is reproducible")
}

func TestParseTieBreak(t *testing.T) {
	for in, want := range map[string]TieBreak{"": TieBreakFirst, "first": TieBreakFirst, "random": TieBreakRandom, "all": TieBreakAll} {
		got, err := ParseTieBreak(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTieBreak("loudest")
	assert.Error(t, err)
}
