package protocol

import (
	"sort"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
)

type params = map[string]any

var presets = map[string]func() config.ProtocolConfig{
	"simple": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("all", nil),
			Propagation: config.Strategy("reliable", params{"suppress_duplicates": true}),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("newest", nil),
		}
	},
	"push": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("push", params{"wait": 1}),
			Propagation: config.Strategy("reliable", params{"suppress_duplicates": true}),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("newest", nil),
		}
	},
	"pull": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("pull", params{"wait": 1}),
			Propagation: config.Strategy("reliable", params{"suppress_duplicates": true}),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("newest", nil),
		}
	},
	"push_pull": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("push_pull", params{"wait": 1}),
			Propagation: config.Strategy("reliable", params{"suppress_duplicates": true}),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("merge", nil),
		}
	},
	"independent_cascade": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("cascade", params{"probability": 0.1}),
			Propagation: config.Strategy("reliable", params{"suppress_duplicates": true}),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("oldest", nil),
		}
	},
	"count": func() config.ProtocolConfig {
		return config.ProtocolConfig{
			Selection:   config.Strategy("count", params{"own": 1, "received": 1, "repropagate": 0, "fanout": 0}),
			Propagation: config.Strategy("reliable", nil),
			Sight:       config.Strategy("probability", params{"probability": 0.5}),
			Update:      config.Strategy("merge", nil),
			Expiration:  config.Strategy("timeout", params{"iterations": 5}),
		}
	},
}

// Preset returns the configuration of a preconfigured protocol.
func Preset(name string) (config.ProtocolConfig, bool) {
	f, ok := presets[name]
	if !ok {
		return config.ProtocolConfig{}, false
	}
	cfg := f()
	cfg.Name = name
	cfg.Preset = name
	cfg.TieBreak = "first"
	return cfg, true
}

// Presets lists the preset names in order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
