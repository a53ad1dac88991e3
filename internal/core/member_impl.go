package core

import "github.com/dkeye/confcast/internal/domain"

type memberSession struct {
	identity domain.Identity
	signal   SignalConnection
}

func NewMemberSession(identity domain.Identity, signal SignalConnection) MemberSession {
	return &memberSession{identity: identity, signal: signal}
}

func (m *memberSession) Identity() domain.Identity { return m.identity }
func (m *memberSession) Signal() SignalConnection  { return m.signal }
