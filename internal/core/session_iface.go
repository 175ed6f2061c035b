package core

import "github.com/dkeye/vac/internal/domain"

// TabSession binds domain.Tab and its transport endpoint.
// This is what the relay stores and fans out to.
type TabSession interface {
	Tab() *domain.Tab
	Signal() SignalConnection
}
