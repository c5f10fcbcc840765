// Package playlist rewrites HLS playlists so every referenced URI is routed
// back through the proxy.
package playlist

import (
	"net/url"
	"strings"
)

// Base64Segment is the path segment that introduces a base64 addressed target.
const Base64Segment = "base64"

const byteOrderMark = "\ufeff"

// uriAttributes maps tag names to their URI-valued attributes.
var uriAttributes = map[string][]string{
	"EXT-X-KEY":                {"URI"},
	"EXT-X-SESSION-KEY":        {"URI"},
	"EXT-X-MAP":                {"URI"},
	"EXT-X-MEDIA":              {"URI"},
	"EXT-X-I-FRAME-STREAM-INF": {"URI"},
	"EXT-X-SESSION-DATA":       {"URI"},
	"EXT-X-PART":               {"URI"},
	"EXT-X-PRELOAD-HINT":       {"URI"},
	"EXT-X-RENDITION-REPORT":   {"URI"},
	"EXT-X-CONTENT-STEERING":   {"SERVER-URI"},
	"EXT-X-DATERANGE":          {"X-ASSET-URI", "X-ASSET-LIST"},
}

// Rewrite returns text with every media, key, map and sub-playlist URI resolved
// against base and re-pointed at proxyBase. Lines it does not understand are
// returned unchanged, as are line endings and surrounding whitespace.
func Rewrite(text string, base *url.URL, proxyBase string) string {
	proxyBase = strings.TrimSuffix(proxyBase, "/")

	var b strings.Builder
	b.Grow(len(text) + len(text)/2)

	rest := text
	if strings.HasPrefix(rest, byteOrderMark) {
		b.WriteString(byteOrderMark)
		rest = rest[len(byteOrderMark):]
	}

	for rest != "" {
		var line string
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i+1], rest[i+1:]
		} else {
			line, rest = rest, ""
		}

		body, eol := splitEOL(line)
		b.WriteString(rewriteLine(body, base, proxyBase))
		b.WriteString(eol)
	}

	return b.String()
}

func splitEOL(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	default:
		return line, ""
	}
}

func rewriteLine(line string, base *url.URL, proxyBase string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return line
	case strings.HasPrefix(trimmed, "#EXT"):
		return rewriteTag(line, base, proxyBase)
	case strings.HasPrefix(trimmed, "#"):
		return line
	}

	proxied, ok := proxyURI(trimmed, base, proxyBase)
	if !ok {
		return line
	}
	start := strings.Index(line, trimmed)
	return line[:start] + proxied + line[start+len(trimmed):]
}

// rewriteTag replaces the quoted values of URI-valued attributes in a tag line.
func rewriteTag(line string, base *url.URL, proxyBase string) string {
	hash := strings.IndexByte(line, '#')
	colon := strings.IndexByte(line[hash:], ':')
	if colon < 0 {
		return line
	}
	colon += hash
	attrs, ok := uriAttributes[strings.TrimSpace(line[hash+1:colon])]
	if !ok {
		return line
	}

	var b strings.Builder
	b.WriteString(line[:colon+1])
	last := colon + 1

	for _, a := range scanAttributes(line, colon+1) {
		if !a.quoted || !contains(attrs, a.name) {
			continue
		}
		proxied, ok := proxyURI(line[a.start:a.end], base, proxyBase)
		if !ok {
			continue
		}
		b.WriteString(line[last:a.start])
		b.WriteString(proxied)
		last = a.end
	}

	b.WriteString(line[last:])
	return b.String()
}

// attribute records where an attribute value sits inside a tag line. For quoted
// values start and end exclude the quotes.
type attribute struct {
	name       string
	start, end int
	quoted     bool
}

// scanAttributes splits an attribute list (NAME=VALUE,NAME="VALUE",...) starting at
// offset, honouring commas inside quoted strings.
func scanAttributes(line string, offset int) []attribute {
	var out []attribute
	i := offset
	for i < len(line) {
		for i < len(line) && (line[i] == ',' || line[i] == ' ' || line[i] == '\t') {
			i++
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(line[i : i+eq])
		i += eq + 1

		if i < len(line) && line[i] == '"' {
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				// Unterminated quote: leave the remainder alone.
				break
			}
			out = append(out, attribute{name: name, start: i + 1, end: i + 1 + end, quoted: true})
			i += end + 2
			continue
		}

		end := strings.IndexByte(line[i:], ',')
		if end < 0 {
			end = len(line) - i
		}
		out = append(out, attribute{name: name, start: i, end: i + end})
		i += end
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// proxyURI resolves raw against base and returns its proxied form. Only http and
// https results are proxied.
func proxyURI(raw string, base *url.URL, proxyBase string) (string, bool) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	// Absolute URIs are emitted verbatim so decoding yields the original text.
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" || ref.Host == "" {
			return "", false
		}
		return ProxyURL(proxyBase, raw), true
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" || abs.Host == "" {
		return "", false
	}
	return ProxyURL(proxyBase, abs.String()), true
}

// ProxyURL builds the base64 addressed proxy URL for target.
func ProxyURL(proxyBase, target string) string {
	return strings.TrimSuffix(proxyBase, "/") + "/" + Base64Segment + "/" + Encode(target)
}
