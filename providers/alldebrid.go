package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"debridfetch/internal"
	"debridfetch/utils"
)

const (
	adMagnetPrefix  = "magnet:"
	adDelayedPrefix = "delayed:"
)

// AllDebrid implements the AllDebrid v4 API. Magnets become magnet jobs,
// hoster links unlock inline unless AllDebrid hands back a delayed id.
type AllDebrid struct {
	client
	agent string
}

type adEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *adError        `json:"error"`
}

type adError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type adUploadData struct {
	Magnets []struct {
		Magnet string    `json:"magnet"`
		Hash   string    `json:"hash"`
		Name   string    `json:"name"`
		Size   flexInt64 `json:"size"`
		Ready  bool      `json:"ready"`
		ID     int64     `json:"id"`
		Error  *adError  `json:"error"`
	} `json:"magnets"`
}

type adMagnetStatus struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	Size       flexInt64 `json:"size"`
	Status     string    `json:"status"`
	StatusCode int       `json:"statusCode"`
	Downloaded flexInt64 `json:"downloaded"`
	Links      []struct {
		Link     string    `json:"link"`
		Filename string    `json:"filename"`
		Size     flexInt64 `json:"size"`
	} `json:"links"`
}

type adStatusData struct {
	Magnets json.RawMessage `json:"magnets"`
}

type adUnlockData struct {
	Link     string    `json:"link"`
	Filename string    `json:"filename"`
	Filesize flexInt64 `json:"filesize"`
	Delayed  flexInt64 `json:"delayed"`
	Streams  []struct {
		ID       string      `json:"id"`
		Quality  flexQuality `json:"quality"`
		Ext      string      `json:"ext"`
		Filesize flexInt64   `json:"filesize"`
		Name     string      `json:"name"`
		Link     string      `json:"link"`
	} `json:"streams"`
}

type adDelayedData struct {
	Status   int    `json:"status"`
	TimeLeft int    `json:"time_left"`
	Link     string `json:"link"`
}

type adInstantData struct {
	Magnets []struct {
		Magnet  string `json:"magnet"`
		Hash    string `json:"hash"`
		Instant bool   `json:"instant"`
	} `json:"magnets"`
}

type adUserData struct {
	User struct {
		Username     string `json:"username"`
		IsPremium    bool   `json:"isPremium"`
		PremiumUntil int64  `json:"premiumUntil"`
	} `json:"user"`
}

// NewAllDebrid creates an AllDebrid client. agent identifies the application to AllDebrid.
func NewAllDebrid(baseURL, agent string, httpClient *utils.HTTPClient, creds internal.CredentialSource) *AllDebrid {
	return &AllDebrid{
		client: newClient(internal.ProviderAllDebrid, baseURL, httpClient, creds),
		agent:  agent,
	}
}

// CleanupOnReady reports that finished magnets count against the AllDebrid quota
func (a *AllDebrid) CleanupOnReady() bool {
	return true
}

func (a *AllDebrid) call(ctx context.Context, op, path string, q url.Values, out interface{}) error {
	return a.send(ctx, op, path, q, utils.ReplayAuto, out)
}

// send issues an API call. Every AllDebrid call is a GET, so calls that
// create a magnet or a link pass utils.ReplayUnsafe.
func (a *AllDebrid) send(ctx context.Context, op, path string, q url.Values, replay utils.Replay, out interface{}) error {
	key, err := a.secret(ctx, op)
	if err != nil {
		return err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("agent", a.agent)
	q.Set("apikey", key)

	resp, err := a.http.Do(ctx, &utils.Request{Method: http.MethodGet, URL: a.baseURL + path, Query: q, Replay: replay})
	if err != nil {
		return a.transportError(err, op)
	}

	var env adEnvelope
	if jsonErr := json.Unmarshal(resp.Body, &env); jsonErr != nil || env.Status == "" {
		if !resp.IsSuccess() {
			return a.fail(utils.StatusError(resp), op)
		}
		return a.fail(internal.NewProviderUnavailableError("malformed response").WithCause(jsonErr), op)
	}
	if env.Status != "success" {
		if env.Error == nil {
			if !resp.IsSuccess() {
				return a.fail(utils.StatusError(resp), op)
			}
			return a.fail(internal.NewProviderUnavailableError("request failed without an error code"), op)
		}
		return a.fail(mapAllDebridError(env.Error.Code, env.Error.Message), op)
	}
	if out == nil {
		return nil
	}
	return a.decode(env.Data, out, op)
}

// mapAllDebridError maps AllDebrid's string error codes onto the taxonomy
func mapAllDebridError(code, message string) *internal.ResolutionError {
	if message == "" {
		message = code
	}
	var re *internal.ResolutionError
	switch {
	case strings.HasPrefix(code, "AUTH_"), code == "NO_SERVER", code == "MUST_BE_PREMIUM", code == "FREE_TRIAL_LIMIT_REACHED":
		re = internal.NewAuthError(message)
	case strings.Contains(code, "TOO_MANY"), code == "LINK_HOST_LIMIT_REACHED", code == "MAGNET_MUST_BE_PREMIUM_LIMIT",
		code == "DELAYED_LIMIT_REACHED", code == "USER_LINK_LIMIT":
		re = internal.NewRateLimitedError(message, 0)
	case code == "MAINTENANCE", code == "GENERIC", strings.HasSuffix(code, "UNAVAILABLE"),
		code == "LINK_HOST_UNAVAILABLE", code == "MAGNET_PROCESSING":
		re = internal.NewProviderUnavailableError(message)
	case strings.HasPrefix(code, "MAGNET_"), strings.HasPrefix(code, "LINK_"), strings.HasPrefix(code, "DELAYED_"),
		code == "BAD_ID", code == "UNKNOWN_ID":
		re = internal.NewInvalidSourceError(message)
	default:
		re = internal.NewProviderUnavailableError(message)
	}
	return re.WithCode(code)
}

// Submit uploads a magnet or unlocks a hoster link
func (a *AllDebrid) Submit(ctx context.Context, source string) (*internal.SubmissionResult, error) {
	info, err := a.classifier.Parse(source)
	if err != nil {
		return nil, a.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "submit")
	}

	switch info.Kind {
	case internal.SourceMagnet:
		return a.uploadMagnet(ctx, info.Original)
	case internal.SourceHosterURL:
		return a.unlock(ctx, info.Original)
	case internal.SourceItemID:
		if _, err := strconv.ParseInt(info.Original, 10, 64); err != nil {
			return nil, a.fail(internal.NewInvalidSourceError("AllDebrid item ids are numeric magnet ids"), "submit")
		}
		return &internal.SubmissionResult{JobID: adMagnetPrefix + info.Original}, nil
	default:
		return nil, a.fail(internal.NewInvalidSourceError("unsupported source"), "submit")
	}
}

func (a *AllDebrid) uploadMagnet(ctx context.Context, magnet string) (*internal.SubmissionResult, error) {
	var data adUploadData
	if err := a.send(ctx, "submit", "/magnet/upload", url.Values{"magnets[]": {magnet}}, utils.ReplayUnsafe, &data); err != nil {
		return nil, err
	}
	if len(data.Magnets) == 0 {
		return nil, a.fail(internal.NewProviderUnavailableError("upload returned no magnet"), "submit")
	}
	m := data.Magnets[0]
	if m.Error != nil {
		return nil, a.fail(mapAllDebridError(m.Error.Code, m.Error.Message), "submit")
	}
	return &internal.SubmissionResult{JobID: adMagnetPrefix + strconv.FormatInt(m.ID, 10), Created: true}, nil
}

func (a *AllDebrid) unlock(ctx context.Context, link string) (*internal.SubmissionResult, error) {
	var data adUnlockData
	if err := a.send(ctx, "submit", "/link/unlock", url.Values{"link": {link}}, utils.ReplayUnsafe, &data); err != nil {
		return nil, err
	}
	if data.Delayed > 0 {
		return &internal.SubmissionResult{JobID: adDelayedPrefix + strconv.FormatInt(int64(data.Delayed), 10)}, nil
	}

	entry := internal.FileEntry{
		Path:      data.Filename,
		SizeBytes: int64(data.Filesize),
		Link:      data.Link,
	}
	for _, s := range data.Streams {
		entry.Variants = append(entry.Variants, internal.RawVariant{
			Quality:    int(s.Quality),
			StreamLink: s.Link,
			SizeBytes:  int64(s.Filesize),
			Name:       s.Name,
		})
	}
	return &internal.SubmissionResult{Direct: []internal.FileEntry{entry}}, nil
}

func (a *AllDebrid) splitJobID(jobID, op string) (kind, id string, err error) {
	switch {
	case strings.HasPrefix(jobID, adMagnetPrefix):
		return adMagnetPrefix, strings.TrimPrefix(jobID, adMagnetPrefix), nil
	case strings.HasPrefix(jobID, adDelayedPrefix):
		return adDelayedPrefix, strings.TrimPrefix(jobID, adDelayedPrefix), nil
	default:
		return "", "", a.fail(internal.NewInvalidSourceError(fmt.Sprintf("unknown job id %q", jobID)), op)
	}
}

func (a *AllDebrid) magnetStatus(ctx context.Context, op, id string) (*adMagnetStatus, error) {
	var data adStatusData
	if err := a.call(ctx, op, "/magnet/status", url.Values{"id": {id}}, &data); err != nil {
		return nil, err
	}

	// a single id answers with an object, older deployments with a one-element list
	var st adMagnetStatus
	if err := json.Unmarshal(data.Magnets, &st); err != nil {
		var list []adMagnetStatus
		if err := json.Unmarshal(data.Magnets, &list); err != nil || len(list) == 0 {
			return nil, a.fail(internal.NewProviderUnavailableError("malformed magnet status"), op)
		}
		st = list[0]
	}
	return &st, nil
}

// PollStatus reports magnet or delayed-link progress
func (a *AllDebrid) PollStatus(ctx context.Context, jobID string) (*internal.ProviderStatus, error) {
	kind, id, err := a.splitJobID(jobID, "poll")
	if err != nil {
		return nil, err
	}

	if kind == adDelayedPrefix {
		var d adDelayedData
		if err := a.call(ctx, "poll", "/link/delayed", url.Values{"id": {id}}, &d); err != nil {
			return nil, err
		}
		switch d.Status {
		case 2:
			return &internal.ProviderStatus{State: internal.StatusReady, Raw: "delayed ready", Progress: 100}, nil
		case 3:
			return &internal.ProviderStatus{
				State: internal.StatusError,
				Raw:   "delayed error",
				Err:   a.fail(internal.NewInvalidSourceError("hoster could not generate the link").WithCode("DELAYED_3"), "poll"),
			}, nil
		default:
			return &internal.ProviderStatus{State: internal.StatusDownloading, Raw: "delayed processing"}, nil
		}
	}

	st, err := a.magnetStatus(ctx, "poll", id)
	if err != nil {
		return nil, err
	}

	status := &internal.ProviderStatus{Raw: st.Status}
	if st.Size > 0 {
		status.Progress = float64(st.Downloaded) / float64(st.Size) * 100
	}
	switch {
	case st.StatusCode == 0:
		status.State = internal.StatusPending
	case st.StatusCode >= 1 && st.StatusCode <= 3:
		status.State = internal.StatusDownloading
	case st.StatusCode == 4:
		status.State = internal.StatusReady
		status.Progress = 100
	default:
		status.State = internal.StatusError
		status.Err = a.fail(magnetStatusError(st.StatusCode, st.Status), "poll")
	}
	return status, nil
}

// magnetStatusError maps AllDebrid magnet error status codes (5 and up)
func magnetStatusError(code int, raw string) *internal.ResolutionError {
	var re *internal.ResolutionError
	switch code {
	case 8, 11, 15:
		// file too big, deleted on the hoster, no peers
		re = internal.NewInvalidSourceError(raw)
	default:
		// upload or processing failures and downloads that took too long on AllDebrid's side
		re = internal.NewProviderUnavailableError(raw)
	}
	return re.WithCode(fmt.Sprintf("MAGNET_STATUS_%d", code))
}

// FetchLinks unlocks the finished magnet's links, or returns the delayed link
func (a *AllDebrid) FetchLinks(ctx context.Context, jobID string) ([]internal.FileEntry, error) {
	kind, id, err := a.splitJobID(jobID, "fetch")
	if err != nil {
		return nil, err
	}

	if kind == adDelayedPrefix {
		var d adDelayedData
		if err := a.call(ctx, "fetch", "/link/delayed", url.Values{"id": {id}}, &d); err != nil {
			return nil, err
		}
		if d.Link == "" {
			return nil, nil
		}
		return []internal.FileEntry{{Path: lastSegment(d.Link), Link: d.Link}}, nil
	}

	st, err := a.magnetStatus(ctx, "fetch", id)
	if err != nil {
		return nil, err
	}

	entries := make([]internal.FileEntry, 0, len(st.Links))
	for _, l := range st.Links {
		var data adUnlockData
		if err := a.call(ctx, "fetch", "/link/unlock", url.Values{"link": {l.Link}}, &data); err != nil {
			return nil, err
		}
		name := data.Filename
		if name == "" {
			name = l.Filename
		}
		entries = append(entries, internal.FileEntry{
			Path:      name,
			SizeBytes: int64(l.Size),
			Link:      data.Link,
		})
	}
	return entries, nil
}

// DeleteJob removes a magnet. Delayed links have nothing to delete.
func (a *AllDebrid) DeleteJob(ctx context.Context, jobID string) error {
	kind, id, err := a.splitJobID(jobID, "delete")
	if err != nil {
		return err
	}
	if kind == adDelayedPrefix {
		return nil
	}
	return a.call(ctx, "delete", "/magnet/delete", url.Values{"id": {id}}, nil)
}

// CheckCached asks whether a magnet is instantly available
func (a *AllDebrid) CheckCached(ctx context.Context, source string) (*internal.CacheStatus, error) {
	info, err := a.classifier.Parse(source)
	if err != nil {
		return nil, a.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "cache check")
	}
	if info.Kind != internal.SourceMagnet {
		return &internal.CacheStatus{}, nil
	}

	var data adInstantData
	if err := a.call(ctx, "cache check", "/magnet/instant", url.Values{"magnets[]": {info.Original}}, &data); err != nil {
		return nil, err
	}
	for _, m := range data.Magnets {
		if m.Instant {
			return &internal.CacheStatus{Cached: true, Filename: info.Name}, nil
		}
	}
	return &internal.CacheStatus{Filename: info.Name}, nil
}

// Account returns the AllDebrid user
func (a *AllDebrid) Account(ctx context.Context) (*internal.AccountInfo, error) {
	var data adUserData
	if err := a.call(ctx, "account", "/user", nil, &data); err != nil {
		return nil, err
	}
	info := &internal.AccountInfo{Username: data.User.Username, Premium: data.User.IsPremium}
	if data.User.PremiumUntil > 0 {
		info.ExpiresAt = time.Unix(data.User.PremiumUntil, 0)
	}
	return info, nil
}
