// Package account defines the end-user identity model and the condition
// predicates evaluated against it by the interaction policy chain.
package account

import "strings"

// ProfileGroupsKey is the profile field that carries group memberships as a
// comma-separated list. Group assignment itself happens outside the gateway.
const ProfileGroupsKey = "groups"

// ConditionGrant records that the user satisfied a named condition,
// optionally pinned to the fingerprint of the content that was shown
// (e.g. the sha256 of the accepted ToS text).
type ConditionGrant struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Account represents one end-user identity.
//
// ID is immutable and never reused. Conditions is append-only from the
// gateway's point of view; administrative revocation happens out of band.
// IsAdmin is owned by the backing store's operator and is never writable
// through the gateway.
type Account struct {
	ID         string            `json:"id"`
	Profile    map[string]string `json:"profile"`
	IsAdmin    bool              `json:"isAdmin"`
	Conditions []ConditionGrant  `json:"conditions,omitempty"`
}

// Name returns the profile display name, empty if unset.
func (a *Account) Name() string {
	if a == nil || a.Profile == nil {
		return ""
	}
	return a.Profile["name"]
}

// Groups derives the account's group memberships from the profile.
func (a *Account) Groups() []string {
	if a == nil || a.Profile == nil {
		return nil
	}
	raw := a.Profile[ProfileGroupsKey]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// CheckCondition reports whether the account holds a grant matching the
// condition's name and, for versioned conditions, its current fingerprint.
// Unknown or missing conditions are never satisfied.
func (a *Account) CheckCondition(c Condition) bool {
	if a == nil || c == nil {
		return false
	}
	want := c.Fingerprint()
	for _, g := range a.Conditions {
		if g.Name != c.Name() {
			continue
		}
		if want == "" || g.Fingerprint == want {
			return true
		}
	}
	return false
}

// HasConditionGrant reports whether an identical grant is already recorded.
// Used by stores to keep ConfirmCondition idempotent.
func (a *Account) HasConditionGrant(name, fingerprint string) bool {
	for _, g := range a.Conditions {
		if g.Name == name && g.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := &Account{ID: a.ID, IsAdmin: a.IsAdmin}
	if a.Profile != nil {
		cp.Profile = make(map[string]string, len(a.Profile))
		for k, v := range a.Profile {
			cp.Profile[k] = v
		}
	}
	if len(a.Conditions) > 0 {
		cp.Conditions = append([]ConditionGrant(nil), a.Conditions...)
	}
	return cp
}
