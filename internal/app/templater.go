package app

import (
	"context"
	"strings"
	"sync/atomic"

	"notifbox/internal/config"
	"notifbox/internal/notify"
	"notifbox/internal/notify/model"
)

// registryTemplater serves registry templates from the registries section of
// the config. Collections it does not know initialize empty.
type registryTemplater struct {
	regs atomic.Pointer[map[string]config.RegistryConfig]
}

func newRegistryTemplater(regs map[string]config.RegistryConfig) *registryTemplater {
	t := &registryTemplater{}
	t.Apply(regs)
	return t
}

func (t *registryTemplater) Apply(regs map[string]config.RegistryConfig) {
	cp := make(map[string]config.RegistryConfig, len(regs))
	for k, v := range regs {
		cp[k] = v
	}
	t.regs.Store(&cp)
}

func (t *registryTemplater) Template(_ context.Context, target model.TargetRef) (notify.TemplateResult, error) {
	regs := t.regs.Load()
	if regs == nil {
		return notify.ApplyTemplate{}, nil
	}
	rc, ok := (*regs)[target.Collection]
	if !ok {
		return notify.ApplyTemplate{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(rc.Mode)) {
	case "invalid":
		return notify.InvalidTemplate{}, nil
	case "delete":
		return notify.DeleteTemplate{}, nil
	}
	seeds := make([]notify.RecipientSeed, 0, len(rc.Recipients))
	for _, r := range rc.Recipients {
		if strings.TrimSpace(r.UserID) == "" {
			continue
		}
		seeds = append(seeds, notify.RecipientSeed{
			UserID: r.UserID,
			Contact: model.Contact{
				Name:      r.Name,
				Email:     r.Email,
				Phone:     r.Phone,
				SummaryID: r.SummaryID,
			},
			Locked: r.Locked,
		})
	}
	return notify.ApplyTemplate{Recipients: seeds}, nil
}
