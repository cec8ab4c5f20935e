package ws

import (
	"log"
	"regexp"
	"strings"

	"github.com/valyala/fasthttp"
)

// compilePatterns turns allowed-origin entries into regular expressions,
// with '*' as the only wildcard. Entries that fail to compile are skipped.
func compilePatterns(allowed []string) []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, host := range allowed {
		pattern := "^" + regexp.QuoteMeta(host) + "$"
		pattern = strings.ReplaceAll(pattern, `\*`, `.*`)
		regex, err := regexp.Compile(pattern)
		if err == nil {
			patterns = append(patterns, regex)
		}
	}
	return patterns
}

// authorizedOrigin checks the request origin against the compiled allow
// list. Non-browser clients send no Origin header at all; the empty string
// still has to match a pattern, which the default "*" does.
func (t *Transport) authorizedOrigin(r *fasthttp.Request) bool {
	origin := string(r.Header.Peek("Origin"))
	for _, pattern := range t.patterns {
		if pattern.MatchString(origin) {
			return true
		}
	}
	log.Printf("ws: origin %q rejected during connect", origin)
	return false
}
