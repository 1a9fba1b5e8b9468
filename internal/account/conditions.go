package account

// Condition names recorded in Account.Conditions.
const (
	ConditionApproved    = "approved"
	ConditionToSAccepted = "tos_accepted"
)

// Condition is a named predicate over an account. Versioned conditions carry
// the fingerprint of the content the user must have agreed to; state
// conditions (e.g. approval) have no fingerprint.
type Condition interface {
	Name() string
	// Fingerprint returns the content fingerprint the grant must match,
	// or "" for state conditions where any grant with the name suffices.
	Fingerprint() string
}

type approved struct{}

func (approved) Name() string        { return ConditionApproved }
func (approved) Fingerprint() string { return "" }

// Approved is the state condition recorded when an administrator approves
// the account.
func Approved() Condition { return approved{} }

type tosAccepted struct{ fingerprint string }

func (tosAccepted) Name() string          { return ConditionToSAccepted }
func (c tosAccepted) Fingerprint() string { return c.fingerprint }

// ToSAccepted is the versioned condition for ToS acceptance. A grant only
// satisfies it when its fingerprint matches the currently served text, so a
// stale acceptance never carries over to a revised document.
func ToSAccepted(fingerprint string) Condition { return tosAccepted{fingerprint: fingerprint} }
