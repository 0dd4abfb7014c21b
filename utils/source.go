package utils

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"debridfetch/internal"
)

// SourceInfo contains parsed information about a user-supplied source
type SourceInfo struct {
	Original string
	Kind     internal.SourceKind
	InfoHash string // lowercase hex, magnets only
	Name     string // magnet dn or last URL path segment
	Host     string // hoster URLs only
}

// SourceClassifier tells magnets, hoster URLs and provider item ids apart
type SourceClassifier struct {
	hashPattern   *regexp.Regexp
	itemIDPattern *regexp.Regexp
}

// NewSourceClassifier creates a classifier with the default patterns
func NewSourceClassifier() *SourceClassifier {
	return &SourceClassifier{
		// xt=urn:btih:<40 hex> or <32 base32>
		hashPattern:   regexp.MustCompile(`(?i)^urn:btih:([a-f0-9]{40}|[a-z2-7]{32})$`),
		itemIDPattern: regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`),
	}
}

// Parse classifies a source and extracts what providers need from it
func (c *SourceClassifier) Parse(source string) (*SourceInfo, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, internal.NewValidationError("source", "source cannot be empty")
	}

	if strings.HasPrefix(strings.ToLower(source), "magnet:") {
		return c.parseMagnet(source)
	}

	if strings.Contains(source, "://") {
		parsed, err := url.Parse(source)
		if err != nil {
			return nil, internal.NewValidationError("source", fmt.Sprintf("invalid URL format: %v", err))
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, internal.NewValidationErrorWithValue("source", "URL must use http or https protocol", parsed.Scheme)
		}
		if parsed.Hostname() == "" {
			return nil, internal.NewValidationError("source", "URL has no host")
		}
		name := ""
		if segs := strings.Split(strings.Trim(parsed.Path, "/"), "/"); len(segs) > 0 {
			name = segs[len(segs)-1]
		}
		return &SourceInfo{
			Original: source,
			Kind:     internal.SourceHosterURL,
			Host:     strings.ToLower(parsed.Hostname()),
			Name:     name,
		}, nil
	}

	if c.itemIDPattern.MatchString(source) {
		return &SourceInfo{Original: source, Kind: internal.SourceItemID}, nil
	}

	return nil, internal.NewValidationErrorWithValue("source", "not a magnet link, hoster URL or item id", source).
		WithSuggestion("Pass a magnet:?xt=urn:btih:... link or an http(s) hoster URL")
}

// Classify returns only the kind of a source; unparseable sources are SourceUnknown
func (c *SourceClassifier) Classify(source string) internal.SourceKind {
	info, err := c.Parse(source)
	if err != nil {
		return internal.SourceUnknown
	}
	return info.Kind
}

func (c *SourceClassifier) parseMagnet(source string) (*SourceInfo, error) {
	// url.ParseQuery does not accept the "magnet:?" prefix
	q := source[len("magnet:"):]
	q = strings.TrimPrefix(q, "?")
	values, err := url.ParseQuery(q)
	if err != nil {
		return nil, internal.NewValidationError("source", fmt.Sprintf("invalid magnet link: %v", err))
	}

	info := &SourceInfo{Original: source, Kind: internal.SourceMagnet, Name: values.Get("dn")}
	for _, xt := range values["xt"] {
		m := c.hashPattern.FindStringSubmatch(xt)
		if m == nil {
			continue
		}
		hash, err := normalizeInfoHash(m[1])
		if err != nil {
			return nil, internal.NewValidationErrorWithValue("source", "invalid info hash", m[1])
		}
		info.InfoHash = hash
		return info, nil
	}

	return nil, internal.NewValidationError("source", "magnet link has no btih info hash").
		WithSuggestion("Magnet links must contain xt=urn:btih:<hash>")
}

func normalizeInfoHash(h string) (string, error) {
	if len(h) == 40 {
		return strings.ToLower(h), nil
	}
	raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(h))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

var qualityPattern = regexp.MustCompile(`(?i)(\d{3,4})\s*[pi]?\b`)

// ParseQuality turns provider quality labels ("720p", "1080", "4K", "HD") into a vertical resolution.
// Unknown labels map to 0.
func ParseQuality(label string) int {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return 0
	}
	if n, err := strconv.Atoi(label); err == nil {
		return n
	}
	switch {
	case strings.Contains(label, "8k") || strings.Contains(label, "4320"):
		return 4320
	case strings.Contains(label, "4k") || strings.Contains(label, "uhd"):
		return 2160
	case strings.Contains(label, "2k"):
		return 1440
	}
	if m := qualityPattern.FindStringSubmatch(label); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	switch label {
	case "fhd", "fullhd":
		return 1080
	case "hd":
		return 720
	case "sd":
		return 480
	case "ld":
		return 360
	}
	return 0
}

// FormatBytes formats byte count as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
