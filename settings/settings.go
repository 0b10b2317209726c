package settings

import (
	"context"
	"time"
)

// Settings are the runtime switches an operator may flip while the service runs
type Settings struct {
	FreezeCtf              bool `json:"freezeCtf"`
	EnableSpawningCooldown bool `json:"enableSpawningCooldown"`
	CooldownTimespan       int  `json:"cooldownTimespan"` // minutes
	CooldownLimit          int  `json:"cooldownLimit"`
}

// CooldownWindow returns the trailing window used for counting requests
func (s *Settings) CooldownWindow() time.Duration {
	return time.Duration(s.CooldownTimespan) * time.Minute
}

// Provider is the interface for obtaining settings. Consumers fetch on every logical operation
// instead of caching, so changes take effect without a restart.
type Provider interface {
	GetSettings(ctx context.Context) (*Settings, error)
}

// StaticProvider implements Provider with a fixed value
type StaticProvider struct {
	Settings Settings
}

var _ Provider = &StaticProvider{}

func (p *StaticProvider) GetSettings(ctx context.Context) (*Settings, error) {
	s := p.Settings
	return &s, nil
}
