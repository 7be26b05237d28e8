// Package campaign holds the directives exchanged by the head and the factories to run
// a campaign, and the codec restoring them.
package campaign

import (
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/rampup"
	"github.com/dyluth/drove/pkg/retry"
)

// Directive names.
const (
	MinionsStartName     = "minions-start"
	ScenarioStepsName    = "scenario-steps"
	CampaignShutdownName = "campaign-shutdown"
)

// MinionsStart orders a factory to start the minions of one scenario.
type MinionsStart struct {
	Scenario string              `json:"scenario"`
	Minions  int                 `json:"minions"`
	RampUp   rampup.Profile      `json:"rampup"`
	Retry    retry.BackoffPolicy `json:"retry"`
	Topic    TopicSettings       `json:"topic"`
	// StepsKey is the key of the scenario-steps list directive holding the steps.
	StepsKey string `json:"steps_key"`
}

// TopicSettings sizes the output topic of the scenario.
type TopicSettings struct {
	MaximalSize   int   `json:"maximal_size"`
	IdleTimeoutMs int64 `json:"idle_timeout_ms"`
}

// NewCodec returns a codec knowing every campaign directive.
func NewCodec() *directive.Codec {
	c := directive.NewCodec()
	directive.RegisterSingleUse[MinionsStart](c, MinionsStartName)
	directive.RegisterList[config.Step](c, ScenarioStepsName)
	directive.RegisterDescriptive(c, CampaignShutdownName)
	return c
}

// IsMinionsStart reports whether d is a minions-start directive or a reference to one.
func IsMinionsStart(d directive.Directive) bool {
	return is(d, directive.KindSingleUse, MinionsStartName)
}

// IsShutdown reports whether d is a campaign-shutdown directive.
func IsShutdown(d directive.Directive) bool {
	return is(d, directive.KindDescriptive, CampaignShutdownName)
}

func is(d directive.Directive, kind directive.Kind, name string) bool {
	if ref, ok := d.(directive.Reference); ok {
		return ref.Is(kind, name)
	}
	return d.Kind() == kind && d.Name() == name
}
