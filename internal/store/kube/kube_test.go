package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynfake "k8s.io/client-go/dynamic/fake"

	"oidcgw/internal/account"
	"oidcgw/internal/store"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{}
	cfg.defaults()
	gvr := schema.GroupVersionResource{Group: cfg.Group, Version: cfg.Version, Resource: cfg.Resource}
	client := dynfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{gvr: cfg.Kind + "List"},
	)
	return New(client, cfg)
}

func TestFind_NotFound(t *testing.T) {
	s := newFakeStore(t)
	_, err := s.Find(context.Background(), "missing-id")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateFindRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(t)

	created, err := s.Create(ctx, "u1", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)
	require.Equal(t, "u1", created.ID)
	require.False(t, created.IsAdmin)

	_, err = s.Create(ctx, "u1", nil)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	found, err := s.Find(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "a@b.c", found.Profile["email"])
}

func TestUpdateProfile_PatchPerField(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(t)

	_, err := s.Create(ctx, "u1", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)

	// The name key does not exist yet; the patch must still land.
	got, err := s.UpdateProfile(ctx, "u1", map[string]string{"name": "Alice"})
	require.NoError(t, err)
	require.Equal(t, "Alice", got.Profile["name"])
	require.Equal(t, "a@b.c", got.Profile["email"])

	_, err = s.UpdateProfile(ctx, "ghost", map[string]string{"name": "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmCondition_AppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(t)

	_, err := s.Create(ctx, "u1", nil)
	require.NoError(t, err)

	got, err := s.ConfirmCondition(ctx, "u1", account.ConditionToSAccepted, "f1")
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)
	require.True(t, got.CheckCondition(account.ToSAccepted("f1")))
	require.False(t, got.CheckCondition(account.ToSAccepted("f2")))

	// Idempotent on identical grant, appends on a new one.
	got, err = s.ConfirmCondition(ctx, "u1", account.ConditionToSAccepted, "f1")
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)

	got, err = s.ConfirmCondition(ctx, "u1", account.ConditionApproved, "")
	require.NoError(t, err)
	require.Len(t, got.Conditions, 2)
	require.True(t, got.CheckCondition(account.Approved()))
}

func TestEscapePointer(t *testing.T) {
	require.Equal(t, "a~1b", escapePointer("a/b"))
	require.Equal(t, "a~0b", escapePointer("a~b"))
	require.Equal(t, "plain", escapePointer("plain"))
}
