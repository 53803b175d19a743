package eventlog

// Kind tags an event. The set is closed: Append rejects anything else.
type Kind string

const (
	KindOperationSubmitted      Kind = "OPERATION_SUBMITTED"
	KindAuthorizationRequested  Kind = "AUTHORIZATION_REQUESTED"
	KindAuthorizationGranted    Kind = "AUTHORIZATION_GRANTED"
	KindAuthorizationApproved   Kind = "AUTHORIZATION_APPROVED"
	KindAuthorizationDenied     Kind = "AUTHORIZATION_DENIED"
	KindOperationCommitted      Kind = "OPERATION_COMMITTED"
	KindReasoningPerformed      Kind = "REASONING_PERFORMED"
	KindGoalProposed            Kind = "GOAL_PROPOSED"
	KindSelfModificationApplied Kind = "SELF_MODIFICATION_APPLIED"
	KindDiscoveryRecorded       Kind = "DISCOVERY_RECORDED"
	KindEvolutionApplied        Kind = "EVOLUTION_APPLIED"
)

var knownKinds = map[Kind]struct{}{
	KindOperationSubmitted:      {},
	KindAuthorizationRequested:  {},
	KindAuthorizationGranted:    {},
	KindAuthorizationApproved:   {},
	KindAuthorizationDenied:     {},
	KindOperationCommitted:      {},
	KindReasoningPerformed:      {},
	KindGoalProposed:            {},
	KindSelfModificationApplied: {},
	KindDiscoveryRecorded:       {},
	KindEvolutionApplied:        {},
}

// Valid reports whether k belongs to the fixed enumeration.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseKind converts a string into a Kind, failing on unknown tags.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", ErrUnknownKind
	}
	return k, nil
}
