package core

import "github.com/dkeye/confcast/internal/domain"

type SessionID string

// MemberSession binds a verified identity and its signaling endpoint.
// This is what the session registry stores and fans out to.
type MemberSession interface {
	Identity() domain.Identity
	Signal() SignalConnection
}
