package account

// CheckGroups reports whether the account may use a client restricted to
// allowedGroups. A client without a group constraint admits everyone;
// otherwise a single matching membership is enough. A nil account never
// passes a constrained client.
func CheckGroups(allowedGroups []string, a *Account) bool {
	if len(allowedGroups) == 0 {
		return true
	}
	if a == nil {
		return false
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, g := range allowedGroups {
		allowed[g] = struct{}{}
	}
	for _, g := range a.Groups() {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}
