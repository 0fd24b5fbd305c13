package fetch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// FormatBody pretty-prints a JSON body with two-space indent and returns any
// other body verbatim.
func FormatBody(b []byte) string {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return string(b)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return string(b)
	}
	return buf.String()
}

// FlattenHeaders lower-cases header names and joins repeated values with ", ".
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		key := strings.ToLower(k)
		if prev, ok := out[key]; ok && prev != "" {
			vs = append([]string{prev}, vs...)
		}
		out[key] = strings.Join(vs, ", ")
	}
	return out
}

var knownMethods = map[string]string{
	http.MethodGet:    http.MethodGet,
	http.MethodPost:   http.MethodPost,
	http.MethodPut:    http.MethodPut,
	http.MethodPatch:  http.MethodPatch,
	http.MethodDelete: http.MethodDelete,
}

// ResolveMethod maps a stored method onto the supported verbs. Empty means
// GET; ok is false for an unknown verb, which also falls back to GET.
func ResolveMethod(raw string) (method string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return http.MethodGet, true
	}
	if m, found := knownMethods[s]; found {
		return m, true
	}
	return http.MethodGet, false
}

// SupportedMethods lists the accepted verbs in a stable order.
func SupportedMethods() []string {
	out := make([]string, 0, len(knownMethods))
	for m := range knownMethods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
