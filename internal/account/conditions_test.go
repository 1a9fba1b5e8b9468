package account

import "testing"

func TestCheckCondition_FingerprintPinning(t *testing.T) {
	a := &Account{
		ID:         "u1",
		Conditions: []ConditionGrant{{Name: ConditionToSAccepted, Fingerprint: "f1"}},
	}

	if !a.CheckCondition(ToSAccepted("f1")) {
		t.Fatal("grant with matching fingerprint should satisfy")
	}
	if a.CheckCondition(ToSAccepted("f2")) {
		t.Fatal("accepting f1 must not satisfy a check against f2")
	}
}

func TestCheckCondition_StateCondition(t *testing.T) {
	a := &Account{ID: "u1"}
	if a.CheckCondition(Approved()) {
		t.Fatal("unapproved account must not pass")
	}
	a.Conditions = append(a.Conditions, ConditionGrant{Name: ConditionApproved})
	if !a.CheckCondition(Approved()) {
		t.Fatal("recorded approval should pass")
	}
}

func TestCheckCondition_UnknownNameFailsClosed(t *testing.T) {
	a := &Account{
		ID:         "u1",
		Conditions: []ConditionGrant{{Name: "something_else"}},
	}
	if a.CheckCondition(Approved()) {
		t.Fatal("unrelated grant names must never satisfy")
	}
}

func TestGroups(t *testing.T) {
	a := &Account{ID: "u1", Profile: map[string]string{ProfileGroupsKey: "dev, ops ,"}}
	got := a.Groups()
	if len(got) != 2 || got[0] != "dev" || got[1] != "ops" {
		t.Fatalf("unexpected groups: %v", got)
	}
}

func TestCheckGroups(t *testing.T) {
	member := &Account{ID: "u1", Profile: map[string]string{ProfileGroupsKey: "ops"}}
	outsider := &Account{ID: "u2", Profile: map[string]string{ProfileGroupsKey: "guests"}}

	if !CheckGroups(nil, outsider) {
		t.Fatal("unconstrained client admits everyone")
	}
	if CheckGroups([]string{"dev", "ops", "sre"}, outsider) {
		t.Fatal("non-member must not pass a constrained client")
	}
	if !CheckGroups([]string{"dev", "ops", "sre"}, member) {
		t.Fatal("one matching membership is enough")
	}
	if CheckGroups([]string{"ops"}, nil) {
		t.Fatal("nil account must not pass a constrained client")
	}
}
