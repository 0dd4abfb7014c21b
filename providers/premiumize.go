package providers

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"debridfetch/internal"
	"debridfetch/utils"
)

// Premiumize implements the Premiumize API. Cached sources resolve inline
// through transfer/directdl, everything else becomes a cloud transfer.
type Premiumize struct {
	client
}

// pmItemPrefix marks job ids that name an existing transfer or cloud item
// supplied by the caller rather than a transfer this client created
const pmItemPrefix = "item:"

// pmReadOnlyPosts are POST endpoints that can be re-sent without creating anything
var pmReadOnlyPosts = map[string]bool{
	"/transfer/directdl": true,
	"/transfer/delete":   true,
}

func splitPremiumizeJob(jobID string) (id string, item bool) {
	if strings.HasPrefix(jobID, pmItemPrefix) {
		return strings.TrimPrefix(jobID, pmItemPrefix), true
	}
	return jobID, false
}

type pmStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type pmContent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Path       string    `json:"path"`
	Size       flexInt64 `json:"size"`
	Link       string    `json:"link"`
	StreamLink string    `json:"stream_link"`
	ResY       flexInt64 `json:"resy"`
}

type pmDirectDL struct {
	pmStatus
	Content []pmContent `json:"content"`
}

type pmTransferCreate struct {
	pmStatus
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type pmTransfer struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	FolderID string  `json:"folder_id"`
	FileID   string  `json:"file_id"`
}

type pmTransferList struct {
	pmStatus
	Transfers []pmTransfer `json:"transfers"`
}

type pmFolderList struct {
	pmStatus
	Content []pmContent `json:"content"`
}

type pmItemDetails struct {
	pmContent
}

type pmCacheCheck struct {
	pmStatus
	Response []bool      `json:"response"`
	Filename []string    `json:"filename"`
	Filesize []flexInt64 `json:"filesize"`
}

type pmAccount struct {
	pmStatus
	CustomerID   flexInt64 `json:"customer_id"`
	PremiumUntil int64     `json:"premium_until"`
	LimitUsed    float64   `json:"limit_used"`
}

// NewPremiumize creates a Premiumize client
func NewPremiumize(baseURL string, httpClient *utils.HTTPClient, creds internal.CredentialSource) *Premiumize {
	return &Premiumize{client: newClient(internal.ProviderPremiumize, baseURL, httpClient, creds)}
}

// CleanupOnReady reports that finished transfers occupy Premiumize transfer slots
func (p *Premiumize) CleanupOnReady() bool {
	return true
}

func (p *Premiumize) call(ctx context.Context, op, path string, q, form url.Values, out interface{}) error {
	key, err := p.secret(ctx, op)
	if err != nil {
		return err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("apikey", key)

	var resp *utils.Response
	if form != nil {
		replay := utils.ReplayAuto
		if pmReadOnlyPosts[path] {
			replay = utils.ReplaySafe
		}
		resp, err = p.http.Do(ctx, &utils.Request{Method: "POST", URL: p.baseURL + path, Query: q, Form: form, Replay: replay})
	} else {
		resp, err = p.http.Get(ctx, p.baseURL+path, q, nil)
	}
	if err != nil {
		return p.transportError(err, op)
	}
	if !resp.IsSuccess() {
		return p.fail(utils.StatusError(resp), op)
	}

	var st pmStatus
	if err := p.decode(resp.Body, &st, op); err != nil {
		return err
	}
	// item/details answers with the bare item and no status field
	if st.Status != "" && st.Status != "success" {
		return p.fail(mapPremiumizeError(st.Message), op)
	}
	return p.decode(resp.Body, out, op)
}

// mapPremiumizeError maps Premiumize error messages. Premiumize has no
// error codes, so the message text is the only signal available.
func mapPremiumizeError(message string) *internal.ResolutionError {
	lower := strings.ToLower(message)
	var re *internal.ResolutionError
	switch {
	case strings.Contains(lower, "not logged in"), strings.Contains(lower, "apikey"), strings.Contains(lower, "api key"),
		strings.Contains(lower, "auth"), strings.Contains(lower, "premium"):
		re = internal.NewAuthError(message)
	case strings.Contains(lower, "limit"), strings.Contains(lower, "too many"), strings.Contains(lower, "fair use"):
		re = internal.NewRateLimitedError(message, 0)
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "not supported"), strings.Contains(lower, "unsupported"),
		strings.Contains(lower, "not found"), strings.Contains(lower, "unknown"):
		re = internal.NewInvalidSourceError(message)
	default:
		re = internal.NewProviderUnavailableError(message)
	}
	return re.WithCode("error")
}

// Submit tries a cached direct download first and falls back to creating a transfer
func (p *Premiumize) Submit(ctx context.Context, source string) (*internal.SubmissionResult, error) {
	info, err := p.classifier.Parse(source)
	if err != nil {
		return nil, p.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "submit")
	}
	if info.Kind == internal.SourceItemID {
		return &internal.SubmissionResult{JobID: pmItemPrefix + info.Original}, nil
	}

	var dl pmDirectDL
	err = p.call(ctx, "submit", "/transfer/directdl", nil, url.Values{"src": {info.Original}}, &dl)
	if err == nil && len(dl.Content) > 0 {
		return &internal.SubmissionResult{Direct: contentEntries(dl.Content)}, nil
	}
	if err != nil {
		// auth and throttling are the same for transfer/create; anything else just means "not cached"
		if kind, _ := internal.KindOf(err); kind == internal.KindAuth || kind == internal.KindRateLimited {
			return nil, err
		}
		p.logger.Debug("premiumize directdl miss: %v", err)
	}

	var created pmTransferCreate
	if err := p.call(ctx, "submit", "/transfer/create", nil, url.Values{"src": {info.Original}}, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, p.fail(internal.NewProviderUnavailableError("transfer created without an id"), "submit")
	}
	return &internal.SubmissionResult{JobID: created.ID, Created: true}, nil
}

func contentEntries(content []pmContent) []internal.FileEntry {
	entries := make([]internal.FileEntry, 0, len(content))
	for _, c := range content {
		if c.Type == "folder" {
			continue
		}
		path := c.Path
		if path == "" {
			path = c.Name
		}
		entry := internal.FileEntry{
			Path:       path,
			SizeBytes:  int64(c.Size),
			Link:       c.Link,
			StreamLink: c.StreamLink,
		}
		// the stream link is a transcode whose height is resy
		if c.StreamLink != "" && c.ResY > 0 {
			entry.Variants = []internal.RawVariant{{
				Quality:    int(c.ResY),
				StreamLink: c.StreamLink,
				Name:       strconv.FormatInt(int64(c.ResY), 10) + "p",
			}}
		}
		entries = append(entries, entry)
	}
	return entries
}

func (p *Premiumize) transfer(ctx context.Context, op, jobID string) (*pmTransfer, error) {
	var list pmTransferList
	if err := p.call(ctx, op, "/transfer/list", nil, nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Transfers {
		if list.Transfers[i].ID == jobID {
			return &list.Transfers[i], nil
		}
	}
	return nil, nil
}

// PollStatus reads the transfer out of transfer/list
func (p *Premiumize) PollStatus(ctx context.Context, jobID string) (*internal.ProviderStatus, error) {
	id, item := splitPremiumizeJob(jobID)
	t, err := p.transfer(ctx, "poll", id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		if item {
			// not a transfer: an item that is already in the cloud
			return &internal.ProviderStatus{State: internal.StatusReady, Raw: "item", Progress: 100}, nil
		}
		// transfer/list lags behind transfer/create
		return &internal.ProviderStatus{State: internal.StatusPending, Raw: "unlisted"}, nil
	}

	status := &internal.ProviderStatus{Raw: t.Status, Progress: t.Progress * 100}
	switch t.Status {
	case "waiting", "queued":
		status.State = internal.StatusPending
	case "running":
		status.State = internal.StatusDownloading
	case "finished", "seeding":
		status.State = internal.StatusReady
		status.Progress = 100
	case "error", "banned", "deleted", "timeout":
		status.State = internal.StatusError
		msg := t.Message
		if msg == "" {
			msg = "transfer " + t.Status
		}
		var re *internal.ResolutionError
		switch t.Status {
		case "timeout":
			re = internal.NewProviderUnavailableError(msg)
		case "banned":
			re = internal.NewInvalidSourceError(msg)
		default:
			re = mapPremiumizeError(msg)
		}
		status.Err = p.fail(re.WithCode(t.Status), "poll")
	default:
		status.State = internal.StatusDownloading
	}
	return status, nil
}

// FetchLinks lists the finished transfer's file or folder
func (p *Premiumize) FetchLinks(ctx context.Context, jobID string) ([]internal.FileEntry, error) {
	id, item := splitPremiumizeJob(jobID)
	t, err := p.transfer(ctx, "fetch", id)
	if err != nil {
		return nil, err
	}

	var fileID, folderID string
	switch {
	case t != nil:
		fileID, folderID = t.FileID, t.FolderID
	case item:
		fileID = id
	default:
		return nil, p.fail(internal.NewInvalidSourceError("transfer "+id+" is no longer listed"), "fetch")
	}

	if fileID != "" {
		var item pmItemDetails
		err := p.call(ctx, "fetch", "/item/details", url.Values{"id": {fileID}}, nil, &item)
		if err == nil {
			return contentEntries([]pmContent{item.pmContent}), nil
		}
		if t != nil || !internal.IsKind(err, internal.KindInvalidSource) {
			return nil, err
		}
		// an item id may name a folder
		folderID = fileID
	}
	if folderID == "" {
		return nil, nil
	}

	var folder pmFolderList
	if err := p.call(ctx, "fetch", "/folder/list", url.Values{"id": {folderID}}, nil, &folder); err != nil {
		return nil, err
	}
	return contentEntries(folder.Content), nil
}

// DeleteJob removes the transfer entry; the downloaded files stay in the cloud
func (p *Premiumize) DeleteJob(ctx context.Context, jobID string) error {
	id, _ := splitPremiumizeJob(jobID)
	var st pmStatus
	return p.call(ctx, "delete", "/transfer/delete", nil, url.Values{"id": {id}}, &st)
}

// CheckCached queries the Premiumize cache for a single source
func (p *Premiumize) CheckCached(ctx context.Context, source string) (*internal.CacheStatus, error) {
	info, err := p.classifier.Parse(source)
	if err != nil {
		return nil, p.fail(internal.NewInvalidSourceError(err.Error()).WithCause(err), "cache check")
	}
	item := info.Original
	if info.Kind == internal.SourceMagnet {
		item = info.InfoHash
	}

	var cc pmCacheCheck
	if err := p.call(ctx, "cache check", "/cache/check", url.Values{"items[]": {item}}, nil, &cc); err != nil {
		return nil, err
	}
	status := &internal.CacheStatus{}
	if len(cc.Response) > 0 {
		status.Cached = cc.Response[0]
	}
	if len(cc.Filename) > 0 {
		status.Filename = cc.Filename[0]
	}
	if len(cc.Filesize) > 0 {
		status.Size = int64(cc.Filesize[0])
	}
	return status, nil
}

// Account returns the Premiumize customer
func (p *Premiumize) Account(ctx context.Context) (*internal.AccountInfo, error) {
	var acc pmAccount
	if err := p.call(ctx, "account", "/account/info", nil, nil, &acc); err != nil {
		return nil, err
	}
	info := &internal.AccountInfo{Username: strconv.FormatInt(int64(acc.CustomerID), 10)}
	if acc.PremiumUntil > 0 {
		info.ExpiresAt = time.Unix(acc.PremiumUntil, 0)
		info.Premium = info.ExpiresAt.After(time.Now())
	}
	return info, nil
}
