// Package kube backs the account store with a Kubernetes custom resource,
// one object per account, namespaced under a fixed tenant scope.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"oidcgw/internal/account"
	"oidcgw/internal/store"
)

// Config locates the account resource. Defaults match the gateway CRD.
type Config struct {
	Group     string `yaml:"group"`
	Version   string `yaml:"version"`
	Resource  string `yaml:"resource"`
	Kind      string `yaml:"kind"`
	Namespace string `yaml:"namespace"`
}

func (c *Config) defaults() {
	if c.Group == "" {
		c.Group = "gateway.oidcgw.io"
	}
	if c.Version == "" {
		c.Version = "v1alpha1"
	}
	if c.Resource == "" {
		c.Resource = "gatewayusers"
	}
	if c.Kind == "" {
		c.Kind = "GatewayUser"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
}

type Store struct {
	client dynamic.Interface
	gvr    schema.GroupVersionResource
	cfg    Config
}

func New(client dynamic.Interface, cfg Config) *Store {
	cfg.defaults()
	return &Store{
		client: client,
		gvr:    schema.GroupVersionResource{Group: cfg.Group, Version: cfg.Version, Resource: cfg.Resource},
		cfg:    cfg,
	}
}

func (s *Store) resource() dynamic.ResourceInterface {
	return s.client.Resource(s.gvr).Namespace(s.cfg.Namespace)
}

func (s *Store) Find(ctx context.Context, id string) (*account.Account, error) {
	obj, err := s.resource().Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", store.ErrBackend, s.cfg.Resource, id, err)
	}
	return decode(obj)
}

func (s *Store) Create(ctx context.Context, id string, profile map[string]string) (*account.Account, error) {
	spec := map[string]any{"profile": toAnyMap(profile)}
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": s.cfg.Group + "/" + s.cfg.Version,
		"kind":       s.cfg.Kind,
		"metadata":   map[string]any{"name": id},
		"spec":       spec,
	}}

	created, err := s.resource().Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, fmt.Errorf("%w: create %s/%s: %v", store.ErrBackend, s.cfg.Resource, id, err)
	}
	return decode(created)
}

// jsonPatchOp is a single RFC 6902 operation. The adapter emits one replace
// per changed profile key so the object's change history shows exactly which
// fields moved.
type jsonPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

func (s *Store) UpdateProfile(ctx context.Context, id string, patch map[string]string) (*account.Account, error) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// RFC 6902 "add" on an object member replaces an existing value and
	// creates a missing one; "replace" would reject accounts that never had
	// the key (exactly the state the name prompt exists to fix).
	ops := make([]jsonPatchOp, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, jsonPatchOp{
			Op:    "add",
			Path:  "/spec/profile/" + escapePointer(k),
			Value: patch[k],
		})
	}
	return s.applyPatch(ctx, id, ops)
}

func (s *Store) ConfirmCondition(ctx context.Context, id, name, fingerprint string) (*account.Account, error) {
	current, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.HasConditionGrant(name, fingerprint) {
		return current, nil
	}

	grant := map[string]any{"name": name}
	if fingerprint != "" {
		grant["fingerprint"] = fingerprint
	}
	var ops []jsonPatchOp
	if len(current.Conditions) == 0 {
		ops = []jsonPatchOp{{Op: "add", Path: "/spec/conditions", Value: []any{grant}}}
	} else {
		ops = []jsonPatchOp{{Op: "add", Path: "/spec/conditions/-", Value: grant}}
	}
	return s.applyPatch(ctx, id, ops)
}

func (s *Store) applyPatch(ctx context.Context, id string, ops []jsonPatchOp) (*account.Account, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal patch: %v", store.ErrBackend, err)
	}
	obj, err := s.resource().Patch(ctx, id, types.JSONPatchType, body, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: patch %s/%s: %v", store.ErrBackend, s.cfg.Resource, id, err)
	}
	return decode(obj)
}

func decode(obj *unstructured.Unstructured) (*account.Account, error) {
	a := &account.Account{ID: obj.GetName(), Profile: map[string]string{}}

	profile, _, err := unstructured.NestedStringMap(obj.Object, "spec", "profile")
	if err != nil {
		return nil, fmt.Errorf("%w: malformed profile on %s: %v", store.ErrBackend, obj.GetName(), err)
	}
	for k, v := range profile {
		a.Profile[k] = v
	}

	isAdmin, _, err := unstructured.NestedBool(obj.Object, "spec", "isAdmin")
	if err != nil {
		return nil, fmt.Errorf("%w: malformed isAdmin on %s: %v", store.ErrBackend, obj.GetName(), err)
	}
	a.IsAdmin = isAdmin

	conditions, _, err := unstructured.NestedSlice(obj.Object, "spec", "conditions")
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conditions on %s: %v", store.ErrBackend, obj.GetName(), err)
	}
	for _, raw := range conditions {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed condition entry on %s", store.ErrBackend, obj.GetName())
		}
		grant := account.ConditionGrant{}
		if v, ok := m["name"].(string); ok {
			grant.Name = v
		}
		if v, ok := m["fingerprint"].(string); ok {
			grant.Fingerprint = v
		}
		a.Conditions = append(a.Conditions, grant)
	}
	return a, nil
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// escapePointer applies RFC 6901 escaping to a profile key.
func escapePointer(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

var _ store.AccountStore = (*Store)(nil)
