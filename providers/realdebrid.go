package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"debridfetch/internal"
	"debridfetch/utils"
)

// RealDebrid implements the Real-Debrid REST API with bearer tokens.
// Hoster links unrestrict inline; magnets become torrents that are polled.
type RealDebrid struct {
	client
}

type rdError struct {
	Error     string `json:"error"`
	ErrorCode *int   `json:"error_code"`
}

type rdAddMagnet struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type rdTorrentFile struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Selected int    `json:"selected"`
}

type rdTorrentInfo struct {
	ID       string          `json:"id"`
	Filename string          `json:"filename"`
	Bytes    int64           `json:"bytes"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Files    []rdTorrentFile `json:"files"`
	Links    []string        `json:"links"`
}

type rdUnrestrict struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Filesize    int64     `json:"filesize"`
	Link        string    `json:"link"`
	Host        string    `json:"host"`
	Download    string    `json:"download"`
	Streamable  int       `json:"streamable"`
	Quality     string    `json:"quality"`
	Alternative []rdAltDL `json:"alternative"`
}

type rdAltDL struct {
	ID       string      `json:"id"`
	Filename string      `json:"filename"`
	Download string      `json:"download"`
	Type     string      `json:"type"`
	Quality  flexQuality `json:"quality"`
}

type rdUser struct {
	Username   string `json:"username"`
	Type       string `json:"type"`
	Expiration string `json:"expiration"`
}

// NewRealDebrid creates a Real-Debrid client
func NewRealDebrid(baseURL string, httpClient *utils.HTTPClient, creds internal.CredentialSource) *RealDebrid {
	return &RealDebrid{client: newClient(internal.ProviderRealDebrid, baseURL, httpClient, creds)}
}

func (r *RealDebrid) call(ctx context.Context, op, method, path string, form url.Values, out interface{}) error {
	return r.send(ctx, op, method, utils.ReplayAuto, path, form, out)
}

// send issues an API call. POSTs are not re-sent on 5xx unless replay says so.
func (r *RealDebrid) send(ctx context.Context, op, method string, replay utils.Replay, path string, form url.Values, out interface{}) error {
	token, err := r.secret(ctx, op)
	if err != nil {
		return err
	}

	resp, err := r.http.Do(ctx, &utils.Request{
		Method: method,
		URL:    r.baseURL + path,
		Form:   form,
		Header: map[string]string{"Authorization": "Bearer " + token},
		Replay: replay,
	})
	if err != nil {
		return r.transportError(err, op)
	}
	if !resp.IsSuccess() {
		return r.fail(realDebridError(resp), op)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return nil
	}
	return r.decode(resp.Body, out, op)
}

// realDebridError prefers the body's error_code over the HTTP status
func realDebridError(resp *utils.Response) *internal.ResolutionError {
	var body rdError
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.ErrorCode == nil {
		return utils.StatusError(resp)
	}
	re := mapRealDebridCode(*body.ErrorCode, body.Error)
	if re.Kind == internal.KindRateLimited {
		re = re.WithRetryAfter(utils.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return re
}

// mapRealDebridCode maps Real-Debrid's numeric error codes onto the taxonomy
func mapRealDebridCode(code int, message string) *internal.ResolutionError {
	if message == "" {
		message = "error_code " + strconv.Itoa(code)
	}
	var re *internal.ResolutionError
	switch code {
	case 8, 9, 10, 12, 13, 14, 15, 22:
		// bad token, permission denied, 2FA, account locked or not premium, IP not allowed
		re = internal.NewAuthError(message)
	case 5, 18, 21, 23, 34, 36:
		// slow down, hoster limit, active torrents full, traffic exhausted, too many requests, fair usage
		re = internal.NewRateLimitedError(message, 0)
	case -1, 6, 17, 19, 25, 27:
		// internal error, resource unreachable, hoster in maintenance or unavailable
		re = internal.NewProviderUnavailableError(message)
	default:
		// missing or bad parameter, unknown resource, unsupported hoster, file unavailable, bad magnet
		re = internal.NewInvalidSourceError(message)
	}
	return re.WithCode(strconv.Itoa(code))
}

// Submit adds a magnet or unrestricts a hoster link. An item id names an existing torrent.
func (r *RealDebrid) Submit(ctx context.Context, source string) (*internal.SubmissionResult, error) {
	info, err := r.classifier.Parse(source)
	if err != nil {
		return nil, r.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "submit")
	}

	switch info.Kind {
	case internal.SourceMagnet:
		var added rdAddMagnet
		if err := r.call(ctx, "submit", http.MethodPost, "/torrents/addMagnet", url.Values{"magnet": {info.Original}}, &added); err != nil {
			return nil, err
		}
		if added.ID == "" {
			return nil, r.fail(internal.NewProviderUnavailableError("addMagnet returned no id"), "submit")
		}
		return &internal.SubmissionResult{JobID: added.ID, Created: true}, nil
	case internal.SourceHosterURL:
		entry, err := r.unrestrict(ctx, "submit", info.Original)
		if err != nil {
			return nil, err
		}
		return &internal.SubmissionResult{Direct: []internal.FileEntry{*entry}}, nil
	case internal.SourceItemID:
		return &internal.SubmissionResult{JobID: info.Original}, nil
	default:
		return nil, r.fail(internal.NewInvalidSourceError("unsupported source"), "submit")
	}
}

func (r *RealDebrid) unrestrict(ctx context.Context, op, link string) (*internal.FileEntry, error) {
	var u rdUnrestrict
	if err := r.call(ctx, op, http.MethodPost, "/unrestrict/link", url.Values{"link": {link}}, &u); err != nil {
		return nil, err
	}

	entry := &internal.FileEntry{Path: u.Filename, SizeBytes: u.Filesize, Link: u.Download}
	if len(u.Alternative) > 0 {
		entry.Variants = append(entry.Variants, internal.RawVariant{
			Quality:   utils.ParseQuality(u.Quality),
			Link:      u.Download,
			SizeBytes: u.Filesize,
			Name:      u.Filename,
		})
		for _, alt := range u.Alternative {
			entry.Variants = append(entry.Variants, internal.RawVariant{
				Quality: int(alt.Quality),
				Link:    alt.Download,
				Name:    alt.Filename,
			})
		}
	}
	return entry, nil
}

func (r *RealDebrid) info(ctx context.Context, op, id string) (*rdTorrentInfo, error) {
	var ti rdTorrentInfo
	if err := r.call(ctx, op, http.MethodGet, "/torrents/info/"+url.PathEscape(id), nil, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// PollStatus reads torrents/info. A torrent waiting for file selection
// gets its video files selected and stays Pending.
func (r *RealDebrid) PollStatus(ctx context.Context, jobID string) (*internal.ProviderStatus, error) {
	ti, err := r.info(ctx, "poll", jobID)
	if err != nil {
		return nil, err
	}

	status := &internal.ProviderStatus{Raw: ti.Status, Progress: ti.Progress}
	switch ti.Status {
	case "magnet_conversion", "queued":
		status.State = internal.StatusPending
	case "waiting_files_selection":
		status.State = internal.StatusPending
		if err := r.selectFiles(ctx, ti); err != nil {
			return nil, err
		}
	case "downloading", "compressing", "uploading":
		status.State = internal.StatusDownloading
	case "downloaded":
		status.State = internal.StatusReady
		status.Progress = 100
	case "magnet_error", "virus", "dead":
		status.State = internal.StatusError
		status.Err = r.fail(internal.NewInvalidSourceError("torrent "+ti.Status).WithCode(ti.Status), "poll")
	case "error":
		status.State = internal.StatusError
		status.Err = r.fail(internal.NewProviderUnavailableError("torrent error").WithCode(ti.Status), "poll")
	default:
		status.State = internal.StatusDownloading
	}
	return status, nil
}

// selectFiles picks the video files, or every file when the torrent has no video
func (r *RealDebrid) selectFiles(ctx context.Context, ti *rdTorrentInfo) error {
	var ids []string
	for _, f := range ti.Files {
		if isVideo(f.Path) {
			ids = append(ids, strconv.Itoa(f.ID))
		}
	}
	files := "all"
	if len(ids) > 0 {
		files = strings.Join(ids, ",")
	}
	return r.send(ctx, "select files", http.MethodPost, utils.ReplaySafe, "/torrents/selectFiles/"+url.PathEscape(ti.ID), url.Values{"files": {files}}, nil)
}

// FetchLinks unrestricts every link of the downloaded torrent
func (r *RealDebrid) FetchLinks(ctx context.Context, jobID string) ([]internal.FileEntry, error) {
	ti, err := r.info(ctx, "fetch", jobID)
	if err != nil {
		return nil, err
	}

	entries := make([]internal.FileEntry, 0, len(ti.Links))
	for _, link := range ti.Links {
		entry, err := r.unrestrict(ctx, "fetch", link)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// DeleteJob removes the torrent from the account
func (r *RealDebrid) DeleteJob(ctx context.Context, jobID string) error {
	return r.call(ctx, "delete", http.MethodDelete, "/torrents/delete/"+url.PathEscape(jobID), nil, nil)
}

// CheckCached asks instantAvailability whether the magnet's hash is cached
func (r *RealDebrid) CheckCached(ctx context.Context, source string) (*internal.CacheStatus, error) {
	info, err := r.classifier.Parse(source)
	if err != nil {
		return nil, r.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "cache check")
	}
	if info.Kind != internal.SourceMagnet {
		return &internal.CacheStatus{}, nil
	}

	var avail map[string]json.RawMessage
	if err := r.call(ctx, "cache check", http.MethodGet, "/torrents/instantAvailability/"+info.InfoHash, nil, &avail); err != nil {
		return nil, err
	}

	status := &internal.CacheStatus{Filename: info.Name}
	for hash, raw := range avail {
		if !strings.EqualFold(hash, info.InfoHash) {
			continue
		}
		// {"rd": [{"<file id>": {"filename": ..., "filesize": ...}}]} when cached, [] otherwise
		var hosts map[string][]map[string]struct {
			Filename string `json:"filename"`
			Filesize int64  `json:"filesize"`
		}
		if err := json.Unmarshal(raw, &hosts); err != nil {
			continue
		}
		for _, variants := range hosts["rd"] {
			for _, f := range variants {
				status.Cached = true
				if f.Filesize > status.Size {
					status.Size = f.Filesize
					status.Filename = f.Filename
				}
			}
		}
	}
	return status, nil
}

// Account returns the Real-Debrid user
func (r *RealDebrid) Account(ctx context.Context) (*internal.AccountInfo, error) {
	var u rdUser
	if err := r.call(ctx, "account", http.MethodGet, "/user", nil, &u); err != nil {
		return nil, err
	}
	info := &internal.AccountInfo{Username: u.Username, Premium: u.Type == "premium"}
	if t, err := time.Parse(time.RFC3339, u.Expiration); err == nil {
		info.ExpiresAt = t
	}
	return info, nil
}
