package grant

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestAuthenticationSatisfiesMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := Authentication{Time: now.Add(-10 * time.Minute)}

	tests := []struct {
		name   string
		maxAge int64
		want   bool
	}{
		{"absent", -1, true},
		{"fresh enough", 3600, true},
		{"exactly at boundary", 600, true},
		{"too old", 300, false},
		{"zero forces reauthentication", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := auth.SatisfiesMaxAge(tt.maxAge, now); got != tt.want {
				t.Errorf("SatisfiesMaxAge(%d) = %v, want %v", tt.maxAge, got, tt.want)
			}
		})
	}
}

func TestAuthenticationSatisfiesACR(t *testing.T) {
	auth := Authentication{ACR: "urn:mace:incommon:iap:silver"}
	if !auth.SatisfiesACR(nil) {
		t.Error("empty request must be satisfied")
	}
	if !auth.SatisfiesACR([]string{"urn:mace:incommon:iap:gold", "urn:mace:incommon:iap:silver"}) {
		t.Error("matching ACR must be satisfied")
	}
	if auth.SatisfiesACR([]string{"urn:mace:incommon:iap:gold"}) {
		t.Error("non-matching ACR must not be satisfied")
	}
}

func grantWith(scopes, claims []string) AuthorizationGrant {
	return AuthorizationGrant{
		TenantID:    "t1",
		ClientID:    "c1",
		Subject:     "alice",
		User:        User{Subject: "alice"},
		Scopes:      scopes,
		Claims:      claims,
		ConsentedAt: time.Now().UTC(),
	}
}

func TestMergeUnionsScopesAndClaims(t *testing.T) {
	granted := &AuthorizationGranted{TenantID: "t1", ClientID: "c1", Subject: "alice"}
	granted.Merge(grantWith([]string{"openid", "profile"}, []string{"email"}))
	granted.Merge(grantWith([]string{"openid", "payments"}, []string{"name"}))

	wantScopes := []string{"openid", "payments", "profile"}
	if !reflect.DeepEqual(granted.Grant.Scopes, wantScopes) {
		t.Errorf("Scopes = %v, want %v", granted.Grant.Scopes, wantScopes)
	}
	wantClaims := []string{"email", "name"}
	if !reflect.DeepEqual(granted.Grant.Claims, wantClaims) {
		t.Errorf("Claims = %v, want %v", granted.Grant.Claims, wantClaims)
	}
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a := grantWith([]string{"openid", "profile"}, []string{"email"})
	b := grantWith([]string{"payments"}, []string{"name", "email"})

	ab := &AuthorizationGranted{}
	ab.Merge(a)
	ab.Merge(b)

	ba := &AuthorizationGranted{}
	ba.Merge(b)
	ba.Merge(a)

	if !reflect.DeepEqual(ab.Grant.Scopes, ba.Grant.Scopes) || !reflect.DeepEqual(ab.Grant.Claims, ba.Grant.Claims) {
		t.Errorf("merge order changed the result: %v/%v vs %v/%v",
			ab.Grant.Scopes, ab.Grant.Claims, ba.Grant.Scopes, ba.Grant.Claims)
	}

	again := &AuthorizationGranted{}
	again.Merge(a)
	again.Merge(b)
	again.Merge(b)
	if !reflect.DeepEqual(again.Grant.Scopes, ab.Grant.Scopes) {
		t.Errorf("repeated merge changed scopes: %v vs %v", again.Grant.Scopes, ab.Grant.Scopes)
	}
}

func TestMergeKeepsAuthorizationDetailsWhenIncomingEmpty(t *testing.T) {
	granted := &AuthorizationGranted{}
	first := grantWith([]string{"payments"}, nil)
	first.AuthorizationDetails = `[{"type":"payment_initiation"}]`
	granted.Merge(first)
	granted.Merge(grantWith([]string{"openid"}, nil))

	if granted.Grant.AuthorizationDetails != `[{"type":"payment_initiation"}]` {
		t.Errorf("AuthorizationDetails = %q, want retained", granted.Grant.AuthorizationDetails)
	}
}

func TestReplaceDiscardsPreviousConsent(t *testing.T) {
	granted := &AuthorizationGranted{}
	granted.Merge(grantWith([]string{"openid", "profile", "payments"}, []string{"email"}))
	granted.Replace(grantWith([]string{"openid"}, nil))

	if !reflect.DeepEqual(granted.Grant.Scopes, []string{"openid"}) {
		t.Errorf("Scopes = %v, want only the replacement", granted.Grant.Scopes)
	}
	if len(granted.Grant.Claims) != 0 {
		t.Errorf("Claims = %v, want empty", granted.Grant.Claims)
	}
}

type fakeGrantedRepo struct {
	records map[string]*AuthorizationGranted
}

func newFakeGrantedRepo() *fakeGrantedRepo {
	return &fakeGrantedRepo{records: map[string]*AuthorizationGranted{}}
}

func (r *fakeGrantedRepo) key(tenantID, clientID, subject string) string {
	return tenantID + "/" + clientID + "/" + subject
}

func (r *fakeGrantedRepo) Find(ctx context.Context, tenantID, clientID, subject string) (*AuthorizationGranted, error) {
	g, ok := r.records[r.key(tenantID, clientID, subject)]
	if !ok {
		return nil, ErrGrantedNotFound
	}
	copied := *g
	return &copied, nil
}

func (r *fakeGrantedRepo) Register(ctx context.Context, granted *AuthorizationGranted) error {
	copied := *granted
	r.records[r.key(granted.TenantID, granted.ClientID, granted.Subject)] = &copied
	return nil
}

func (r *fakeGrantedRepo) Update(ctx context.Context, granted *AuthorizationGranted) error {
	return r.Register(ctx, granted)
}

func TestManagerMergeWithExisting(t *testing.T) {
	repo := newFakeGrantedRepo()
	mgr := NewManager(repo)
	ctx := context.Background()

	user := User{Subject: "alice", Email: "alice@example.com"}
	auth := Authentication{Time: time.Now().UTC(), Methods: []string{"pwd"}}

	first := mgr.Create("t1", "c1", user, auth, []string{"openid", "profile"}, nil, "")
	granted, err := mgr.MergeWithExisting(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if granted.ID == "" {
		t.Error("new record must get an ID")
	}

	second := mgr.Create("t1", "c1", user, auth, []string{"payments"}, []string{"email"}, "")
	merged, err := mgr.MergeWithExisting(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if merged.ID != granted.ID {
		t.Errorf("merge created a new record: %q vs %q", merged.ID, granted.ID)
	}
	wantScopes := []string{"openid", "payments", "profile"}
	if !reflect.DeepEqual(merged.Grant.Scopes, wantScopes) {
		t.Errorf("Scopes = %v, want %v", merged.Grant.Scopes, wantScopes)
	}

	// A different subject gets its own record.
	other := mgr.Create("t1", "c1", User{Subject: "bob"}, auth, []string{"openid"}, nil, "")
	otherGranted, err := mgr.MergeWithExisting(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if otherGranted.ID == granted.ID {
		t.Error("records must be scoped per subject")
	}
}
