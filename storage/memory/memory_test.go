package memory

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/token"
)

func TestRequestStoreTenantIsolation(t *testing.T) {
	store := NewRequestStore()
	ctx := context.Background()

	req := &request.AuthorizationRequest{
		ID:        "req-1",
		TenantID:  "t1",
		ClientID:  "c1",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	if err := store.Register(ctx, req); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Find(ctx, "t1", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Find(ctx, "t2", "req-1"); !errors.Is(err, request.ErrNotFound) {
		t.Errorf("cross-tenant Find error = %v, want ErrNotFound", err)
	}
}

func TestRequestStoreReturnsCopies(t *testing.T) {
	store := NewRequestStore()
	ctx := context.Background()

	req := &request.AuthorizationRequest{ID: "req-1", TenantID: "t1", State: "original"}
	if err := store.Register(ctx, req); err != nil {
		t.Fatal(err)
	}

	found, err := store.Find(ctx, "t1", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	found.State = "mutated"

	again, err := store.Find(ctx, "t1", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.State != "original" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestRequestStoreDeleteExpired(t *testing.T) {
	store := NewRequestStore()
	ctx := context.Background()
	now := time.Now().UTC()

	live := &request.AuthorizationRequest{ID: "live", TenantID: "t1", ExpiresAt: now.Add(time.Minute)}
	stale := &request.AuthorizationRequest{ID: "stale", TenantID: "t1", ExpiresAt: now.Add(-time.Minute)}
	for _, r := range []*request.AuthorizationRequest{live, stale} {
		if err := store.Register(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Find(ctx, "t1", "live"); err != nil {
		t.Errorf("live request swept: %v", err)
	}
	if _, err := store.Find(ctx, "t1", "stale"); !errors.Is(err, request.ErrNotFound) {
		t.Errorf("stale request survived: %v", err)
	}
}

func TestPushedRequestSingleUse(t *testing.T) {
	store := NewPushedRequestStore()
	ctx := context.Background()

	params := url.Values{"client_id": {"c1"}, "scope": {"openid"}}
	uri := request.PARRequestURIPrefix + "abc"
	if err := store.Register(ctx, "t1", uri, params, time.Now().UTC().Add(90*time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Consume(ctx, "t1", uri)
	if err != nil {
		t.Fatal(err)
	}
	if got.Get("scope") != "openid" {
		t.Errorf("params = %v", got)
	}

	if _, err := store.Consume(ctx, "t1", uri); !errors.Is(err, request.ErrNotFound) {
		t.Errorf("second consume error = %v, want ErrNotFound", err)
	}
}

func TestPushedRequestExpiredConsume(t *testing.T) {
	store := NewPushedRequestStore()
	ctx := context.Background()

	uri := request.PARRequestURIPrefix + "stale"
	if err := store.Register(ctx, "t1", uri, url.Values{}, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Consume(ctx, "t1", uri); !errors.Is(err, request.ErrNotFound) {
		t.Errorf("expired consume error = %v, want ErrNotFound", err)
	}
}

func TestCodeGrantConsumeConcurrency(t *testing.T) {
	store := NewCodeGrantStore()
	ctx := context.Background()

	codeGrant := &token.AuthorizationCodeGrant{
		TenantID:  "t1",
		Code:      "one-shot",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	if err := store.Register(ctx, codeGrant); err != nil {
		t.Fatal(err)
	}

	const racers = 32
	var wg sync.WaitGroup
	var winners sync.Map
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Consume(ctx, "t1", "one-shot"); err == nil {
				winners.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	var count int
	winners.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Errorf("%d consumers succeeded, want exactly 1", count)
	}
}

func TestTokenStoreIndexes(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &token.OAuthToken{
		ID:                    "tok-1",
		TenantID:              "t1",
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		IssuedAt:              now,
		AccessTokenExpiresAt:  now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
	if err := store.Register(ctx, tok); err != nil {
		t.Fatal(err)
	}

	byAT, err := store.FindByAccessToken(ctx, "t1", "at-1")
	if err != nil {
		t.Fatal(err)
	}
	byRT, err := store.FindByRefreshToken(ctx, "t1", "rt-1")
	if err != nil {
		t.Fatal(err)
	}
	if byAT.ID != "tok-1" || byRT.ID != "tok-1" {
		t.Errorf("lookups resolve different rows: %q / %q", byAT.ID, byRT.ID)
	}

	if err := store.Delete(ctx, "t1", "tok-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindByAccessToken(ctx, "t1", "at-1"); !errors.Is(err, token.ErrTokenNotFound) {
		t.Error("access token index survived deletion")
	}
	if _, err := store.FindByRefreshToken(ctx, "t1", "rt-1"); !errors.Is(err, token.ErrTokenNotFound) {
		t.Error("refresh token index survived deletion")
	}

	// Deleting an unknown ID is a no-op.
	if err := store.Delete(ctx, "t1", "unknown"); err != nil {
		t.Errorf("Delete(unknown) = %v", err)
	}
}

func TestTokenStoreDeleteExpired(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now().UTC()

	// Refresh expiry governs rows that have a refresh token.
	withRefresh := &token.OAuthToken{
		ID:                    "with-rt",
		TenantID:              "t1",
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiresAt:  now.Add(-time.Hour),
		RefreshTokenExpiresAt: now.Add(time.Hour),
	}
	// Access expiry governs rows without one.
	accessOnly := &token.OAuthToken{
		ID:                   "at-only",
		TenantID:             "t1",
		AccessToken:          "at-2",
		AccessTokenExpiresAt: now.Add(-time.Minute),
	}
	for _, tok := range []*token.OAuthToken{withRefresh, accessOnly} {
		if err := store.Register(ctx, tok); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.FindByRefreshToken(ctx, "t1", "rt-1"); err != nil {
		t.Errorf("row with live refresh token swept: %v", err)
	}
}

func TestGrantedStoreRoundTrip(t *testing.T) {
	store := NewGrantedStore()
	ctx := context.Background()

	granted := &grant.AuthorizationGranted{
		ID:       "g-1",
		TenantID: "t1",
		ClientID: "c1",
		Subject:  "alice",
		Grant:    grant.AuthorizationGrant{Scopes: []string{"openid"}},
	}
	if err := store.Register(ctx, granted); err != nil {
		t.Fatal(err)
	}

	found, err := store.Find(ctx, "t1", "c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	found.Grant.Scopes = append(found.Grant.Scopes, "profile")
	if err := store.Update(ctx, found); err != nil {
		t.Fatal(err)
	}

	again, err := store.Find(ctx, "t1", "c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Grant.Scopes) != 2 {
		t.Errorf("Scopes = %v", again.Grant.Scopes)
	}

	if _, err := store.Find(ctx, "t1", "c1", "bob"); !errors.Is(err, grant.ErrGrantedNotFound) {
		t.Errorf("Find(bob) error = %v, want ErrGrantedNotFound", err)
	}
}

func TestCibaGrantConditionalUpdate(t *testing.T) {
	store := NewCibaGrantStore()
	ctx := context.Background()

	g := &ciba.Grant{
		AuthReqID: "ar-1",
		TenantID:  "t1",
		ClientID:  "c1",
		Status:    ciba.StatusPending,
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	if err := store.Register(ctx, g); err != nil {
		t.Fatal(err)
	}

	authorization := &grant.AuthorizationGrant{Subject: "alice", Scopes: []string{"openid"}}
	if err := store.UpdateStatus(ctx, "t1", "ar-1", ciba.StatusPending, ciba.StatusAuthorized, authorization); err != nil {
		t.Fatal(err)
	}

	// Expected-status mismatch is a conflict.
	err := store.UpdateStatus(ctx, "t1", "ar-1", ciba.StatusPending, ciba.StatusDenied, nil)
	if !errors.Is(err, ciba.ErrStatusConflict) {
		t.Errorf("UpdateStatus error = %v, want ErrStatusConflict", err)
	}

	consumed, err := store.ConsumeAuthorized(ctx, "t1", "ar-1")
	if err != nil {
		t.Fatal(err)
	}
	if consumed.Status != ciba.StatusConsumed || consumed.Authorization.Subject != "alice" {
		t.Errorf("consumed = %+v", consumed)
	}

	if _, err := store.ConsumeAuthorized(ctx, "t1", "ar-1"); !errors.Is(err, ciba.ErrStatusConflict) {
		t.Errorf("second ConsumeAuthorized error = %v, want ErrStatusConflict", err)
	}
}
