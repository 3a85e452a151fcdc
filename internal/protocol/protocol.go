package protocol

import (
	"fmt"

	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// Components are the strategies a protocol is composed of.
type Components struct {
	Selection   strategy.Selection
	Propagation strategy.Propagation
	Sight       strategy.Sight
	Update      strategy.Update
	Expiration  strategy.Expiration
	TieBreak    TieBreak
}

// Protocol is a named, immutable composition of strategies. The simulator
// drives every protocol the same way.
type Protocol struct {
	name string
	c    Components
}

// New assembles a protocol. Expiration defaults to never expiring.
func New(name string, c Components) (*Protocol, error) {
	var err error
	if name == "" {
		err = multierr.Append(err, models.Configf("protocol.name", "is required"))
	}
	if c.Selection == nil {
		err = multierr.Append(err, models.Configf("protocol.selection", "is required"))
	}
	if c.Propagation == nil {
		err = multierr.Append(err, models.Configf("protocol.propagation", "is required"))
	}
	if c.Sight == nil {
		err = multierr.Append(err, models.Configf("protocol.sight", "is required"))
	}
	if c.Update == nil {
		err = multierr.Append(err, models.Configf("protocol.update", "is required"))
	}
	if c.TieBreak > TieBreakAll {
		err = multierr.Append(err, models.Configf("protocol.tie_break", "unknown value %d", c.TieBreak))
	}
	if err != nil {
		return nil, err
	}
	if c.Expiration == nil {
		c.Expiration = strategy.InfiniteExpiration{}
	}
	return &Protocol{name: name, c: c}, nil
}

func (p *Protocol) Name() string                      { return p.name }
func (p *Protocol) Selection() strategy.Selection     { return p.c.Selection }
func (p *Protocol) Propagation() strategy.Propagation { return p.c.Propagation }
func (p *Protocol) Sight() strategy.Sight             { return p.c.Sight }
func (p *Protocol) Update() strategy.Update           { return p.c.Update }
func (p *Protocol) Expiration() strategy.Expiration   { return p.c.Expiration }
func (p *Protocol) TieBreak() TieBreak                { return p.c.TieBreak }

// String describes the composition, e.g. for logs.
func (p *Protocol) String() string {
	return fmt.Sprintf("%s[selection=%s propagation=%s sight=%s update=%s expiration=%s tie_break=%s]",
		p.name, p.c.Selection.Name(), p.c.Propagation.Name(), p.c.Sight.Name(),
		p.c.Update.Name(), p.c.Expiration.Name(), p.c.TieBreak)
}

// Fingerprint hashes the resolved composition: every strategy's type and
// parameters plus the tie-break. The name is not part of it.
func (p *Protocol) Fingerprint() uint64 {
	h := murmur3.New64()
	for _, c := range []any{p.c.Selection, p.c.Propagation, p.c.Sight, p.c.Update, p.c.Expiration} {
		fmt.Fprintf(h, "%T%+v;", c, c)
	}
	fmt.Fprintf(h, "tie_break=%s", p.c.TieBreak)
	return h.Sum64()
}

// FromConfig builds a protocol from configuration. Strategies given
// explicitly override those of the preset. Every problem is reported.
func FromConfig(cfg config.ProtocolConfig) (*Protocol, error) {
	if cfg.Preset != "" {
		preset, ok := Preset(cfg.Preset)
		if !ok {
			return nil, models.Configf("protocol.preset", "unknown preset %q", cfg.Preset)
		}
		cfg = overlay(preset, cfg)
	}
	if cfg.Name == "" {
		cfg.Name = "custom"
	}

	var (
		c    Components
		errs error
		err  error
	)
	c.Selection, err = strategy.NewSelection("protocol.selection", cfg.Selection)
	errs = multierr.Append(errs, err)
	c.Propagation, err = strategy.NewPropagation("protocol.propagation", cfg.Propagation)
	errs = multierr.Append(errs, err)
	c.Sight, err = strategy.NewSight("protocol.sight", cfg.Sight)
	errs = multierr.Append(errs, err)
	c.Update, err = strategy.NewUpdate("protocol.update", cfg.Update)
	errs = multierr.Append(errs, err)
	c.Expiration, err = strategy.NewExpiration("protocol.expiration", cfg.Expiration)
	errs = multierr.Append(errs, err)
	c.TieBreak, err = ParseTieBreak(cfg.TieBreak)
	if err != nil {
		errs = multierr.Append(errs, models.Configf("protocol.tie_break", "%v", err))
	}
	if errs != nil {
		return nil, errs
	}
	return New(cfg.Name, c)
}

func overlay(base, top config.ProtocolConfig) config.ProtocolConfig {
	out := base
	if top.Name != "" {
		out.Name = top.Name
	}
	if top.TieBreak != "" {
		out.TieBreak = top.TieBreak
	}
	if top.Selection != nil {
		out.Selection = top.Selection
	}
	if top.Propagation != nil {
		out.Propagation = top.Propagation
	}
	if top.Sight != nil {
		out.Sight = top.Sight
	}
	if top.Update != nil {
		out.Update = top.Update
	}
	if top.Expiration != nil {
		out.Expiration = top.Expiration
	}
	return out
}
