package casemgmt

import (
	"context"
	"fmt"
)

// SettingsSnapshot is the configuration a scope decision is made from.
type SettingsSnapshot struct {
	Global  *GlobalSetting
	Account *AccountSetting
}

// InScope is false unless case management is enabled globally and the
// account (or account and product) record opts in. The global flag dominates.
func (s SettingsSnapshot) InScope() bool {
	if s.Global == nil || !s.Global.IsCaseManagementEnabled {
		return false
	}
	return s.Account != nil && s.Account.IsCaseManagementEnabled
}

type ScopeGate struct {
	settings SettingsRepository
}

func NewScopeGate(settings SettingsRepository) *ScopeGate {
	return &ScopeGate{settings: settings}
}

// Snapshot loads the settings relevant to accountID and productID. The
// account record is not read when the global flag is off.
func (g *ScopeGate) Snapshot(ctx context.Context, productID *string, accountID string) (SettingsSnapshot, error) {
	var snap SettingsSnapshot
	global, err := g.settings.GetGlobal(ctx)
	if err != nil {
		return snap, fmt.Errorf("load global settings: %w", err)
	}
	snap.Global = global
	if global == nil || !global.IsCaseManagementEnabled {
		return snap, nil
	}
	account, err := g.settings.GetAccount(ctx, accountID, productID)
	if err != nil {
		return snap, fmt.Errorf("load account settings: %w", err)
	}
	snap.Account = account
	return snap, nil
}

func (g *ScopeGate) IsInScope(ctx context.Context, productID *string, accountID string) (bool, error) {
	snap, err := g.Snapshot(ctx, productID, accountID)
	if err != nil {
		return false, err
	}
	return snap.InScope(), nil
}
