package factory

import (
	"context"
	"fmt"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/pkg/directive"
)

// Processing orders of the factory processors.
const (
	shutdownOrder     = -10
	minionsStartOrder = 0
)

// MinionsStartProcessor resolves a minions-start directive and launches its scenario.
// It is the executor of the directive.
type MinionsStartProcessor struct {
	engine *Engine
}

func (p *MinionsStartProcessor) Name() string     { return "minions-start" }
func (p *MinionsStartProcessor) Order() int       { return minionsStartOrder }
func (p *MinionsStartProcessor) IsExecutor() bool { return true }

func (p *MinionsStartProcessor) Accept(d directive.Directive) bool {
	return campaign.IsMinionsStart(d)
}

// Process resolves the order and its steps, then starts the scenario in the background.
// A reference resolving to nothing is a registry inconsistency and fails the directive.
func (p *MinionsStartProcessor) Process(ctx context.Context, d directive.Directive) error {
	registry := p.engine.store.Registry()

	var order campaign.MinionsStart
	switch v := d.(type) {
	case directive.Reference:
		resolved, err := directive.ReadOnce[campaign.MinionsStart](ctx, registry, v)
		if err != nil {
			return fmt.Errorf("failed to resolve minions-start %s: %w", v.Key, err)
		}
		order = resolved
	case *directive.SingleUse[campaign.MinionsStart]:
		order = v.Value
	default:
		return fmt.Errorf("unexpected minions-start directive %T", d)
	}

	stepsRef := directive.Reference{
		Meta:   directive.Meta{Key: order.StepsKey},
		Target: directive.KindList,
		Tag:    campaign.ScenarioStepsName,
	}
	configured, err := directive.ListValues[config.Step](ctx, registry, stepsRef)
	if err != nil {
		return fmt.Errorf("failed to resolve the steps of scenario %s: %w", order.Scenario, err)
	}
	steps, err := p.engine.catalog.build(configured)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", order.Scenario, err)
	}

	return p.engine.launch(ctx, d.Metadata(), order, steps)
}

// CampaignShutdownProcessor interrupts the scenarios of the campaign being shut down.
type CampaignShutdownProcessor struct {
	engine *Engine
}

func (p *CampaignShutdownProcessor) Name() string { return "campaign-shutdown" }
func (p *CampaignShutdownProcessor) Order() int   { return shutdownOrder }

func (p *CampaignShutdownProcessor) Accept(d directive.Directive) bool {
	return campaign.IsShutdown(d)
}

func (p *CampaignShutdownProcessor) Process(_ context.Context, d directive.Directive) error {
	reason := "campaign shut down"
	if desc, ok := d.(*directive.Descriptive); ok && desc.Attributes["reason"] != "" {
		reason = desc.Attributes["reason"]
	}
	p.engine.interrupt(d.Metadata().Campaign, reason)
	return nil
}
