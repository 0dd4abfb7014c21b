package resolver

import (
	"path"

	"debridfetch/internal"
)

// Normalize turns provider-native file entries into a ResolvedLink.
//
// The primary entry is the largest file that has a usable URL (first seen
// wins on equal sizes). When it carries encodes, every encode with a URL
// becomes a variant and the direct URL is the best variant not above
// requestedQuality. A variant without a stream link falls back to its own
// link and then to the entry's links. No usable URL at all is an Empty error.
func Normalize(id internal.ProviderID, entries []internal.FileEntry, requestedQuality int) (*internal.ResolvedLink, error) {
	primary := -1
	for i, e := range entries {
		if !usable(e) {
			continue
		}
		if primary < 0 || e.SizeBytes > entries[primary].SizeBytes {
			primary = i
		}
	}
	if primary < 0 {
		return nil, internal.NewEmptyError("provider returned no usable link").WithProvider(id).WithOp("normalize")
	}

	e := entries[primary]
	link := &internal.ResolvedLink{
		DirectURL: entryURL(e),
		Filename:  path.Base("/" + e.Path),
		SizeBytes: e.SizeBytes,
		Provider:  id,
	}

	for _, rv := range e.Variants {
		u := firstNonEmpty(rv.StreamLink, rv.Link, e.StreamLink, e.Link)
		if u == "" {
			continue
		}
		size := rv.SizeBytes
		if size == 0 && rv.Link == "" && rv.StreamLink == "" {
			size = e.SizeBytes
		}
		link.Variants = append(link.Variants, internal.Variant{
			Quality:   rv.Quality,
			URL:       u,
			SizeBytes: size,
			Name:      rv.Name,
		})
	}

	if v, ok := link.Pick(requestedQuality); ok {
		link.DirectURL = v.URL
		if v.SizeBytes > 0 {
			link.SizeBytes = v.SizeBytes
		}
	}
	if link.Filename == "/" || link.Filename == "." {
		link.Filename = ""
	}
	return link, nil
}

func usable(e internal.FileEntry) bool {
	if entryURL(e) != "" {
		return true
	}
	for _, v := range e.Variants {
		if v.StreamLink != "" || v.Link != "" {
			return true
		}
	}
	return false
}

// entryURL prefers the dedicated streaming URL and falls back to the plain link
func entryURL(e internal.FileEntry) string {
	return firstNonEmpty(e.StreamLink, e.Link)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
