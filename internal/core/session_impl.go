package core

import "github.com/dkeye/vac/internal/domain"

// tabSession implements TabSession by pairing meta + transport.
type tabSession struct {
	tab  *domain.Tab
	conn SignalConnection
}

func NewTabSession(tab *domain.Tab, conn SignalConnection) TabSession {
	return &tabSession{tab: tab, conn: conn}
}

func (s *tabSession) Tab() *domain.Tab         { return s.tab }
func (s *tabSession) Signal() SignalConnection { return s.conn }
