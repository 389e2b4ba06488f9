// Package token implements the OAuth access-token manager: refresh with
// per-credential single-flight deduplication, auth-flavor dispatch, and
// write-back through the pool's persistence writer.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/logging"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// socialEndpoint is the hard-coded regional endpoint used by the
	// "social" auth flavor regardless of the credential's
	// own region field.
	socialEndpoint = "https://oidc.us-east-1.amazonaws.com/token"

	// defaultClientID is the public client id used for social refreshes
	// when the credential carries none of its own.
	defaultClientID = "Kiro"

	defaultRegion = "us-east-1"

	// SafetySkew is how far ahead of expiry a cached access token is
	// considered stale.
	SafetySkew = 30 * time.Second

	refreshTimeout = 15 * time.Second
)

// idcEndpoint constructs the regional AWS SSO OIDC token endpoint for the
// idc auth flavor.
func idcEndpoint(region string) string {
	if region == "" {
		region = defaultRegion
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
}

// Manager refreshes and caches Kiro access tokens.
type Manager struct {
	pool   *pool.Pool
	client *http.Client
	log    *logrus.Logger
	group  singleflight.Group

	// endpointOverride replaces both the social and idc refresh endpoints
	// when set, so tests can point refreshes at an httptest.Server instead
	// of the real AWS SSO OIDC hosts.
	endpointOverride string
}

func New(p *pool.Pool, client *http.Client, log *logrus.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{pool: p, client: client, log: log}
}

// refreshResult is the parsed shape of a successful refresh response.
type refreshResult struct {
	Token      oauth2.Token
	ProfileArn string
}

// EnsureFresh returns a valid access token for credentialID, refreshing it
// if necessary. Concurrent callers against the same credential share one
// refresh via singleflight.
func (m *Manager) EnsureFresh(ctx context.Context, credentialID int) (string, error) {
	snap, ok := m.pool.Get(credentialID)
	if !ok {
		return "", fmt.Errorf("token: unknown credential %d", credentialID)
	}

	if tokenFresh(snap) {
		return snap.AccessToken, nil
	}

	token, err := m.refresh(ctx, credentialID)
	if err != nil {
		// Graceful degradation: a transient refresh failure while the
		// cached token has merely crossed the safety-skew line (not
		// actually expired) should not fail the whole request — serve the
		// still-valid cached token and let the next call retry the
		// refresh.
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindUpstreamTransient {
			if snap.AccessToken != "" && snap.ExpiresAt.After(time.Now()) {
				m.log.WithField("credential", credentialID).Warn("token: refresh failed transiently, serving cached token")
				return snap.AccessToken, nil
			}
		}
		return "", err
	}
	return token, nil
}

// ForceRefresh unconditionally refreshes credentialID's access token,
// regardless of its current expiry. Used by the retry engine after an
// upstream 401/403 against a token that looked fresh.
func (m *Manager) ForceRefresh(ctx context.Context, credentialID int) error {
	_, err := m.refresh(ctx, credentialID)
	return err
}

// tokenFresh treats a zero ExpiresAt — what a malformed expiresAt leaves
// behind at load time — as already expired: it never satisfies
// expiry > now+skew, so a refresh is forced rather than trusting a token of
// unknown age.
func tokenFresh(snap pool.Snapshot) bool {
	if snap.AccessToken == "" || snap.ExpiresAt.IsZero() {
		return false
	}
	return snap.ExpiresAt.After(time.Now().Add(SafetySkew))
}

func (m *Manager) refresh(ctx context.Context, credentialID int) (string, error) {
	key := fmt.Sprintf("cred:%d", credentialID)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		snap, ok := m.pool.Get(credentialID)
		if !ok {
			return nil, fmt.Errorf("token: unknown credential %d", credentialID)
		}
		m.log.WithFields(logrus.Fields{
			"credential":    credentialID,
			"flavor":        string(snap.Flavor),
			"refresh_token": logging.MaskSecret(snap.RefreshToken),
		}).Debug("token: refreshing access token")
		result, rerr := m.doRefresh(ctx, snap)
		if rerr != nil {
			return nil, rerr
		}
		expiry := result.Token.Expiry
		m.pool.ApplyRefresh(credentialID, result.Token.AccessToken, expiry, result.Token.RefreshToken, result.ProfileArn)
		return result.Token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, snap pool.Snapshot) (*refreshResult, error) {
	switch snap.Flavor {
	case pool.FlavorIDC:
		return m.refreshIDC(ctx, snap)
	default:
		return m.refreshSocial(ctx, snap)
	}
}

type tokenRefreshRequest struct {
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

type tokenRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileArn   string `json:"profileArn,omitempty"`
}

func (m *Manager) refreshSocial(ctx context.Context, snap pool.Snapshot) (*refreshResult, error) {
	clientID := snap.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	endpoint := socialEndpoint
	if m.endpointOverride != "" {
		endpoint = m.endpointOverride
	}
	return m.postRefresh(ctx, endpoint, tokenRefreshRequest{
		ClientID:     clientID,
		ClientSecret: snap.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: snap.RefreshToken,
	})
}

func (m *Manager) refreshIDC(ctx context.Context, snap pool.Snapshot) (*refreshResult, error) {
	if snap.ClientID == "" || snap.ClientSecret == "" {
		return nil, apierr.RefreshAuth("idc credential missing clientId/clientSecret", nil)
	}
	region := snap.Region
	if region == "" {
		region = defaultRegion
	}
	endpoint := idcEndpoint(region)
	if m.endpointOverride != "" {
		endpoint = m.endpointOverride
	}
	return m.postRefresh(ctx, endpoint, tokenRefreshRequest{
		ClientID:     snap.ClientID,
		ClientSecret: snap.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: snap.RefreshToken,
	})
}

func (m *Manager) postRefresh(ctx context.Context, endpoint string, reqBody tokenRefreshRequest) (*refreshResult, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apierr.UpstreamFatal("token: encode refresh request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.UpstreamFatal("token: build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, apierr.UpstreamTransient("token: refresh request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apierr.UpstreamTransient("token: read refresh response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierr.RefreshAuth("refresh token rejected", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, apierr.UpstreamTransient("token: refresh server error", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apierr.UpstreamFatal("token: unexpected refresh response", fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed tokenRefreshResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apierr.UpstreamFatal("token: decode refresh response", err)
	}
	if parsed.AccessToken == "" {
		return nil, apierr.RefreshAuth("refresh response missing accessToken", nil)
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &refreshResult{
		Token: oauth2.Token{
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			Expiry:       time.Now().Add(time.Duration(expiresIn) * time.Second),
		},
		ProfileArn: parsed.ProfileArn,
	}, nil
}
