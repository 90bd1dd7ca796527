package redirecttrack

import (
	"regexp"
	"strings"
)

// metaRefreshRe matches <meta http-equiv="refresh" content="N; url=X">,
// tolerating attribute order and quote style.
var metaRefreshRe = regexp.MustCompile(`(?is)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]*content\s*=\s*["']([^"']*)["']`)

// metaRefreshURLRe pulls the url=X portion out of a refresh content value.
var metaRefreshURLRe = regexp.MustCompile(`(?is)url\s*=\s*(.+)$`)

// jsLocationRe matches window.location(.href|.replace(...))? = "X" or
// document.location = "X", case-insensitive, any quote style.
var jsLocationRe = regexp.MustCompile(`(?is)(?:window\.location(?:\.href)?|window\.location\.replace|document\.location)\s*(?:=|\()\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]`)

// nextFromHTML scans body for a meta-refresh target first, then a
// JS-location reassignment, per spec §4.A's tie-break ("meta-refresh is
// checked before JS-location").
func nextFromHTML(body []byte) (next string, kind RedirectType, found bool) {
	html := string(body)

	if m := metaRefreshRe.FindStringSubmatch(html); m != nil {
		content := m[1]
		if u := metaRefreshURLRe.FindStringSubmatch(content); u != nil {
			target := strings.Trim(strings.TrimSpace(u[1]), `'"`)
			if target != "" {
				return target, RedirectMetaRefresh, true
			}
		}
	}

	if m := jsLocationRe.FindStringSubmatch(html); m != nil {
		target := strings.TrimSpace(m[1])
		if target != "" {
			return target, RedirectJSLocation, true
		}
	}

	return "", "", false
}
