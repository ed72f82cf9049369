package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kiroproxy/gateway/internal/credential"
	"github.com/kiroproxy/gateway/internal/tracing"
)

// DeviceOAuthEncoding selects the wire encoding used for the device-oauth
// refresh request body (spec.md Open Questions: "two implementations
// coexist in the source... permits either as a configurable variant").
type DeviceOAuthEncoding string

const (
	// DeviceOAuthFormURLEncoded sends grant_type/client_id/client_secret/
	// refresh_token as a form-urlencoded body, matching the AWS SSO OIDC
	// /token endpoint convention (RFC 6749 §6) used by
	// original_source/kiro/auth.py's _do_aws_sso_oidc_refresh.
	DeviceOAuthFormURLEncoded DeviceOAuthEncoding = "form"
	// DeviceOAuthJSONCamelCase sends {grantType, clientId, clientSecret,
	// refreshToken} as a JSON body, for deployments that front the OIDC
	// endpoint with a translating proxy expecting the desktop-refresh shape.
	DeviceOAuthJSONCamelCase DeviceOAuthEncoding = "json"
)

// refreshTokenResponse is the common response shape for both mechanisms
// (camelCase on the wire in both cases).
type refreshTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    *int64 `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

// refreshHTTPError carries the upstream status code so callers can
// distinguish the 400 "stale refresh secret" case (spec.md §4.3 step 5) from
// other failures.
type refreshHTTPError struct {
	StatusCode int
	Body       string
}

func (e *refreshHTTPError) Error() string {
	return fmt.Sprintf("auth: refresh request failed with status %d: %s", e.StatusCode, e.Body)
}

func isStatus400(err error) bool {
	he, ok := err.(*refreshHTTPError)
	return ok && he.StatusCode == http.StatusBadRequest
}

const defaultRefreshExpirySeconds = 3600
const refreshExpiryBackoff = 60 * time.Second

// refreshDesktop implements the desktop-refresh mechanism (spec.md §4.3).
func (m *Manager) refreshDesktop(ctx context.Context, rec credential.Record) (credential.Record, error) {
	region := rec.Region
	if region == "" {
		region = m.cfg.DefaultRegion
	}
	endpoint := m.cfg.DesktopRefreshURL(region)

	payload, err := json.Marshal(map[string]string{"refreshToken": rec.RefreshToken})
	if err != nil {
		return rec, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return rec, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent(m.cfg.Fingerprint))

	return m.doRefresh(req, rec, false)
}

// refreshDeviceOAuth implements the device-oauth mechanism (spec.md §4.3).
func (m *Manager) refreshDeviceOAuth(ctx context.Context, rec credential.Record) (credential.Record, error) {
	ssoRegion := rec.Region
	if ssoRegion == "" {
		ssoRegion = m.cfg.DefaultRegion
	}
	endpoint := m.cfg.DeviceOAuthURL(ssoRegion)

	var body io.Reader
	var contentType string
	switch m.cfg.DeviceOAuthEncoding {
	case DeviceOAuthJSONCamelCase:
		data, err := json.Marshal(map[string]string{
			"grantType":    "refresh_token",
			"clientId":     rec.ClientID,
			"clientSecret": rec.ClientSecret,
			"refreshToken": rec.RefreshToken,
		})
		if err != nil {
			return rec, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	default: // DeviceOAuthFormURLEncoded
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("client_id", rec.ClientID)
		form.Set("client_secret", rec.ClientSecret)
		form.Set("refresh_token", rec.RefreshToken)
		// Per RFC 6749 §6, scope is intentionally not resent on refresh.
		body = bytes.NewReader([]byte(form.Encode()))
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return rec, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent(m.cfg.Fingerprint))

	// profileArn is never part of the device-oauth response/request: sending
	// it to this endpoint would cause a 403 (spec.md §4.5).
	return m.doRefresh(req, rec, true)
}

func (m *Manager) doRefresh(req *http.Request, rec credential.Record, isDeviceOAuth bool) (credential.Record, error) {
	tracing.InjectHeaders(req.Context(), req)

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return rec, fmt.Errorf("auth: refresh request transport error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rec, fmt.Errorf("auth: reading refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rec, &refreshHTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var parsed refreshTokenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return rec, fmt.Errorf("auth: parsing refresh response: %w", err)
	}

	expiresIn := int64(defaultRefreshExpirySeconds)
	if parsed.ExpiresIn != nil {
		expiresIn = *parsed.ExpiresIn
	}

	updated := rec
	updated.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		updated.RefreshToken = parsed.RefreshToken
	}
	updated.ExpiresAt = m.now().Add(time.Duration(expiresIn)*time.Second - refreshExpiryBackoff)
	if !isDeviceOAuth && parsed.ProfileArn != "" {
		updated.ProfileArn = parsed.ProfileArn
	}
	return updated, nil
}

// refreshAccount dispatches to the mechanism-specific refresh implementation.
func (m *Manager) refreshAccount(ctx context.Context, rec credential.Record) (credential.Record, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, string(rec.Mechanism), "kiro-auth-refresh")
	defer span.End()

	var updated credential.Record
	var err error
	switch rec.Mechanism {
	case credential.MechanismDeviceOAuth:
		updated, err = m.refreshDeviceOAuth(ctx, rec)
	default:
		updated, err = m.refreshDesktop(ctx, rec)
	}
	if m.cfg.Collector != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.cfg.Collector.RecordProviderRequest("kiro-auth-refresh", status)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return updated, err
}
