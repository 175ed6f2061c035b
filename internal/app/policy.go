package app

import "github.com/dkeye/vac/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickTab
)

// Policy decides what happens to a tab whose outbound queue is full.
type Policy interface {
	OnBackPressure(tab core.TabSession) BackpressureAction
}

// SimplePolicy drops the message and keeps the tab.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.TabSession) BackpressureAction {
	return DropMessage
}

// StrictPolicy disconnects slow tabs.
type StrictPolicy struct{}

func (StrictPolicy) OnBackPressure(core.TabSession) BackpressureAction {
	return KickTab
}

// PolicyByName maps the config value to a Policy, defaulting to SimplePolicy.
func PolicyByName(name string) Policy {
	switch name {
	case "kick":
		return StrictPolicy{}
	default:
		return SimplePolicy{}
	}
}
