package credentials

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"debridfetch/internal"
	"debridfetch/utils"
)

// PinCode is an AllDebrid PIN the user enters at UserURL
type PinCode struct {
	Pin       string `json:"pin"`
	Check     string `json:"check"`
	ExpiresIn int    `json:"expires_in"`
	UserURL   string `json:"user_url"`
	BaseURL   string `json:"base_url"`
}

type pinEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type pinCheck struct {
	APIKey    string `json:"apikey"`
	Activated bool   `json:"activated"`
	ExpiresIn int    `json:"expires_in"`
}

// AllDebridPIN runs the AllDebrid PIN authorization flow
type AllDebridPIN struct {
	baseURL  string
	agent    string
	http     *utils.HTTPClient
	interval time.Duration
}

// NewAllDebridPIN creates the PIN flow against the v4 API
func NewAllDebridPIN(baseURL, agent string, httpClient *utils.HTTPClient) *AllDebridPIN {
	return &AllDebridPIN{
		baseURL:  strings.TrimRight(baseURL, "/"),
		agent:    agent,
		http:     httpClient,
		interval: 5 * time.Second,
	}
}

// SetInterval overrides the PIN check cadence
func (a *AllDebridPIN) SetInterval(d time.Duration) {
	a.interval = d
}

func (a *AllDebridPIN) call(ctx context.Context, path string, q url.Values, out interface{}) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("agent", a.agent)
	resp, err := a.http.Get(ctx, a.baseURL+path, q, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return utils.StatusError(resp).WithProvider(internal.ProviderAllDebrid).WithOp("pin")
	}

	var env pinEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return internal.NewProviderUnavailableError("malformed pin response").WithCause(err)
	}
	if env.Status != "success" {
		msg, code := "pin request failed", ""
		if env.Error != nil {
			msg, code = env.Error.Message, env.Error.Code
		}
		return internal.NewAuthError(msg).WithProvider(internal.ProviderAllDebrid).WithOp("pin").WithCode(code)
	}
	return json.Unmarshal(env.Data, out)
}

// RequestPin asks AllDebrid for a new PIN
func (a *AllDebridPIN) RequestPin(ctx context.Context) (*PinCode, error) {
	var pin PinCode
	if err := a.call(ctx, "/pin/get", nil, &pin); err != nil {
		return nil, err
	}
	return &pin, nil
}

// CheckPin returns the api key once the PIN was entered; activated is false while pending
func (a *AllDebridPIN) CheckPin(ctx context.Context, pin *PinCode) (apiKey string, activated bool, err error) {
	var res pinCheck
	err = a.call(ctx, "/pin/check", url.Values{"check": {pin.Check}, "pin": {pin.Pin}}, &res)
	if err != nil {
		return "", false, err
	}
	if !res.Activated || res.APIKey == "" {
		return "", false, nil
	}
	return res.APIKey, true, nil
}

// Authorize runs the whole PIN flow. prompt is called once with the PIN to show the user.
func (a *AllDebridPIN) Authorize(ctx context.Context, prompt func(*PinCode)) (internal.Credentials, error) {
	pin, err := a.RequestPin(ctx)
	if err != nil {
		return internal.Credentials{}, err
	}
	if prompt != nil {
		prompt(pin)
	}

	var key string
	err = pollUntil(ctx, a.interval, time.Duration(pin.ExpiresIn)*time.Second, func() (bool, error) {
		k, ok, err := a.CheckPin(ctx, pin)
		if err != nil || !ok {
			return false, err
		}
		key = k
		return true, nil
	})
	if err != nil {
		return internal.Credentials{}, err
	}

	return APIKeyCredentials(internal.ProviderAllDebrid, key), nil
}
