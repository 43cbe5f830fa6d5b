package authz

// State is a step of the authorization pipeline. Transitions only move
// forward, and any non-terminal state may fall into StateRejected.
type State int

const (
	StateUnauthenticated State = iota
	StateCredentialFound
	StateVerified
	StateIdentityResolved
	StateScoped
	StateAuthorized
	StateRejected
)

var stateNames = [...]string{
	StateUnauthenticated:  "unauthenticated",
	StateCredentialFound:  "credential_found",
	StateVerified:         "verified",
	StateIdentityResolved: "identity_resolved",
	StateScoped:           "scoped",
	StateAuthorized:       "authorized",
	StateRejected:         "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateAuthorized || s == StateRejected }

// next is the single forward successor of s.
func (s State) next() State {
	if s.Terminal() {
		return s
	}
	return s + 1
}
