// Package urlclassify implements a pure heuristic predicate deciding
// whether a URL is likely a content page worth rendering and extracting.
// It performs no I/O and holds no state: given the same inputs it always
// returns the same answer.
package urlclassify

import (
	"net/url"
	"strings"
)

// systemSegments are path fragments that indicate administrative, auth, or
// non-content surfaces. Matched as "/kw/", "/kw", or "kw/" at a path
// boundary (i.e. as a whole path segment, or as a prefix/suffix of the
// whole path).
var systemSegments = []string{
	"wp-admin", "wp-login", "wp-includes", "wp-json",
	"admin", "login", "logout", "signin", "signup",
	"dashboard", "panel", "cpanel",
	"node_modules", ".git", ".env", "cgi-bin",
	"api/", "rest/", "graphql",
	"feed", "rss", "atom",
	"cart", "checkout", "payment",
	"search?", "ajax", "action=",
}

// nonPageExtensions groups the file extensions that never represent a
// renderable content page.
var nonPageExtensions = buildExtensionSet(
	// images
	"jpg", "jpeg", "png", "gif", "svg", "webp", "ico", "bmp",
	// styles
	"css", "scss", "less",
	// scripts
	"js", "mjs",
	// documents
	"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx",
	// archives
	"zip", "rar", "tar", "gz", "7z",
	// media
	"mp3", "wav", "ogg", "mp4", "avi", "mov", "webm",
	// data
	"xml", "json", "txt", "log", "csv",
	// fonts
	"woff", "woff2", "ttf", "otf", "eot",
	// source maps
	"map",
)

// blockedQueryParams reject a URL when present regardless of value.
var blockedQueryParams = map[string]struct{}{
	"action":   {},
	"ajax":     {},
	"callback": {},
	"jsonp":    {},
}

const maxDistinctQueryParams = 5

func buildExtensionSet(exts ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[e] = struct{}{}
	}
	return set
}

// IsLikelyContentURL returns false when any rejection rule matches, true
// otherwise. contentType is optional; pass "" when unknown.
func IsLikelyContentURL(rawURL string, contentType string) bool {
	if contentType != "" {
		ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		if ct != "text/html" && ct != "text/plain" {
			return false
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	pathAndQuery := u.Path
	if u.RawQuery != "" {
		pathAndQuery += "?" + u.RawQuery
	}
	if hasSystemSegment(pathAndQuery) {
		return false
	}

	if hasNonPageExtension(u.Path) {
		return false
	}

	query := u.Query()
	for param := range query {
		if _, blocked := blockedQueryParams[strings.ToLower(param)]; blocked {
			return false
		}
	}
	if len(query) > maxDistinctQueryParams {
		return false
	}

	return true
}

func hasSystemSegment(pathAndQuery string) bool {
	lower := strings.ToLower(pathAndQuery)
	for _, kw := range systemSegments {
		// Keywords that already carry their own delimiter (".git",
		// "search?", "action=", "api/", "rest/") are boundary-complete
		// substrings; the remaining plain segment names need an explicit
		// path boundary ("/kw/", "/kw", "kw/") to avoid matching inside
		// unrelated words.
		if strings.ContainsAny(kw, "?=./") {
			if strings.Contains(lower, kw) {
				return true
			}
			continue
		}
		if strings.Contains(lower, "/"+kw+"/") ||
			strings.HasSuffix(lower, "/"+kw) ||
			strings.HasPrefix(lower, kw+"/") ||
			lower == kw {
			return true
		}
	}
	return false
}

func hasNonPageExtension(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx == -1 || idx == len(path)-1 {
		return false
	}
	ext := strings.ToLower(path[idx+1:])
	_, ok := nonPageExtensions[ext]
	return ok
}
