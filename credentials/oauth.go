package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"debridfetch/internal"
	"debridfetch/utils"
)

// DeviceGrantType is Real-Debrid's grant for both device-code exchange and refresh
const DeviceGrantType = "http://oauth.net/grant_type/device/1.0"

// DeviceCode is what the user needs to approve the device
type DeviceCode struct {
	DeviceCode            string `json:"device_code"`
	UserCode              string `json:"user_code"`
	Interval              int    `json:"interval"`
	ExpiresIn             int    `json:"expires_in"`
	VerificationURL       string `json:"verification_url"`
	DirectVerificationURL string `json:"direct_verification_url"`
}

type deviceCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RealDebridOAuth runs the Real-Debrid device flow and refreshes its tokens
type RealDebridOAuth struct {
	baseURL  string
	clientID string
	http     *utils.HTTPClient
	now      func() time.Time
}

// NewRealDebridOAuth creates the OAuth helper. clientID is the public open-source client id.
func NewRealDebridOAuth(baseURL, clientID string, httpClient *utils.HTTPClient) *RealDebridOAuth {
	return &RealDebridOAuth{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     httpClient,
		now:      time.Now,
	}
}

// RequestDeviceCode starts the device flow
func (o *RealDebridOAuth) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	resp, err := o.http.Get(ctx, o.baseURL+"/device/code", url.Values{
		"client_id":       {o.clientID},
		"new_credentials": {"yes"},
	}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, utils.StatusError(resp).WithProvider(internal.ProviderRealDebrid).WithOp("device code")
	}

	var dc DeviceCode
	if err := json.Unmarshal(resp.Body, &dc); err != nil {
		return nil, internal.NewProviderUnavailableError("malformed device code response").WithCause(err)
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// pollDeviceCredentials returns the per-user client id/secret once the user approved the device.
// ok is false while approval is pending.
func (o *RealDebridOAuth) pollDeviceCredentials(ctx context.Context, deviceCode string) (*deviceCredentials, bool, error) {
	resp, err := o.http.Get(ctx, o.baseURL+"/device/credentials", url.Values{
		"client_id": {o.clientID},
		"code":      {deviceCode},
	}, nil)
	if err != nil {
		return nil, false, err
	}
	if !resp.IsSuccess() {
		// 403 until the user enters the code
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
			return nil, false, nil
		}
		return nil, false, utils.StatusError(resp).WithProvider(internal.ProviderRealDebrid).WithOp("device credentials")
	}

	var dc deviceCredentials
	if err := json.Unmarshal(resp.Body, &dc); err != nil {
		return nil, false, internal.NewProviderUnavailableError("malformed device credentials response").WithCause(err)
	}
	if dc.ClientID == "" || dc.ClientSecret == "" {
		return nil, false, nil
	}
	return &dc, true, nil
}

// Authorize runs the full device flow. prompt is called once with the code to show the user.
func (o *RealDebridOAuth) Authorize(ctx context.Context, prompt func(*DeviceCode)) (internal.Credentials, error) {
	dc, err := o.RequestDeviceCode(ctx)
	if err != nil {
		return internal.Credentials{}, err
	}
	if prompt != nil {
		prompt(dc)
	}

	var creds *deviceCredentials
	err = pollUntil(ctx, time.Duration(dc.Interval)*time.Second, time.Duration(dc.ExpiresIn)*time.Second, func() (bool, error) {
		c, ok, err := o.pollDeviceCredentials(ctx, dc.DeviceCode)
		if err != nil || !ok {
			return false, err
		}
		creds = c
		return true, nil
	})
	if err != nil {
		return internal.Credentials{}, err
	}

	return o.exchange(ctx, creds.ClientID, creds.ClientSecret, dc.DeviceCode)
}

// Refresh implements Refresher: the refresh token is exchanged with the device grant
func (o *RealDebridOAuth) Refresh(ctx context.Context, current internal.Credentials) (internal.Credentials, error) {
	if current.ClientID == "" || current.ClientSecret == "" {
		return internal.Credentials{}, internal.NewAuthError("missing client credentials, re-run the device flow").
			WithProvider(internal.ProviderRealDebrid).WithOp("refresh")
	}
	return o.exchange(ctx, current.ClientID, current.ClientSecret, current.RefreshToken)
}

func (o *RealDebridOAuth) exchange(ctx context.Context, clientID, clientSecret, code string) (internal.Credentials, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  o.baseURL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.http.StdClient())
	tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("grant_type", DeviceGrantType))
	if err != nil {
		return internal.Credentials{}, mapTokenError(err)
	}

	return CredentialsFromToken(internal.ProviderRealDebrid, tok, clientID, clientSecret), nil
}

func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode)
		}
		var out *internal.ResolutionError
		switch {
		case re.Response.StatusCode == http.StatusTooManyRequests:
			out = internal.NewRateLimitedError(msg, 0)
		case re.Response.StatusCode >= 500:
			out = internal.NewProviderUnavailableError(msg)
		default:
			out = internal.NewAuthError(msg)
		}
		return out.WithProvider(internal.ProviderRealDebrid).WithOp("token").WithCode(re.ErrorCode).WithCause(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return internal.NewCancelledError(err)
	}
	return internal.NewProviderUnavailableError("token request failed").
		WithProvider(internal.ProviderRealDebrid).WithOp("token").WithCause(err)
}

// CredentialsFromToken converts an oauth2 token into stored token credentials
func CredentialsFromToken(id internal.ProviderID, tok *oauth2.Token, clientID, clientSecret string) internal.Credentials {
	return internal.Credentials{
		ProviderID:   id,
		Kind:         internal.CredentialToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Expiry:       tok.Expiry,
	}
}

// TokenFromCredentials converts token credentials back into an oauth2 token
func TokenFromCredentials(c internal.Credentials) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// pollUntil calls fn every interval until it reports done, fails, ctx ends or expiresIn elapses
func pollUntil(ctx context.Context, interval, expiresIn time.Duration, fn func() (bool, error)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if expiresIn <= 0 {
		expiresIn = 10 * time.Minute
	}
	deadline := time.NewTimer(expiresIn)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return internal.NewCancelledError(ctx.Err())
		case <-deadline.C:
			return internal.NewAuthError("authorization code expired before it was approved").
				WithSuggestion("Run the auth command again and approve the code sooner")
		case <-ticker.C:
		}
	}
}
