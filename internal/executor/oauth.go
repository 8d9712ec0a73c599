package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/quotio/quotio/internal/credential"
)

// OAuthRefresher exchanges a stored refresh token for a new access token
// via the standard OAuth2 refresh-token grant. Device-code or
// authorization-code acquisition of the initial refresh token is external
// to this process (spec §1); this only re-exchanges a refresh token a
// credential already holds.
type OAuthRefresher struct {
	ClientID string
	TokenURL string
}

// Refresh performs the token exchange, reporting failure on the returned
// credential rather than as an error (matching the Executor.Refresh
// contract).
func (o OAuthRefresher) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	if o.TokenURL == "" {
		auth.Status = credential.StatusError
		auth.StatusMessage = "no oauth token endpoint configured for this provider"
		return auth
	}
	if auth.RefreshToken == "" {
		auth.Status = credential.StatusError
		auth.StatusMessage = "no refresh token available"
		return auth
	}

	cfg := &oauth2.Config{
		ClientID: o.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: o.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: auth.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		auth.Status = credential.StatusError
		auth.StatusMessage = fmt.Sprintf("refresh failed: %v", err)
		return auth
	}

	auth.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		auth.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		auth.ExpiresAt = &expiry
	}
	auth.Status = credential.StatusReady
	auth.StatusMessage = ""
	auth.UpdatedAt = time.Now()
	return auth
}
