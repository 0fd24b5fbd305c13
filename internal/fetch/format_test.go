package fetch

import (
	"net/http"
	"testing"
)

func TestFormatBody(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "object", in: `{"ok":true}`, want: "{\n  \"ok\": true\n}"},
		{name: "nested", in: `{"a":[1,2]}` + "\n", want: "{\n  \"a\": [\n    1,\n    2\n  ]\n}"},
		{name: "scalar", in: `42`, want: "42"},
		{name: "text", in: "hello world", want: "hello world"},
		{name: "broken json", in: `{"ok":`, want: `{"ok":`},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatBody([]byte(tt.in)); got != tt.want {
				t.Fatalf("FormatBody(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlattenHeaders(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set("Content-Type", "text/plain")
	got := FlattenHeaders(h)
	if got["set-cookie"] != "a=1, b=2" {
		t.Fatalf("set-cookie = %q", got["set-cookie"])
	}
	if got["content-type"] != "text/plain" {
		t.Fatalf("content-type = %q", got["content-type"])
	}
	if _, ok := got["Content-Type"]; ok {
		t.Fatal("header names must be lower-case")
	}
}

func TestResolveMethod(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", http.MethodGet, true},
		{"get", http.MethodGet, true},
		{"POST", http.MethodPost, true},
		{" put ", http.MethodPut, true},
		{"patch", http.MethodPatch, true},
		{"Delete", http.MethodDelete, true},
		{"OPTIONS", http.MethodGet, false},
	}
	for _, tt := range tests {
		got, ok := ResolveMethod(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ResolveMethod(%q) = %s, %v; want %s, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRecordName(t *testing.T) {
	t.Parallel()
	def := Definition{ID: 12, Name: "status page"}
	if got := RecordName(def, "j-1"); got != "status page [12-j-1]" {
		t.Fatalf("got %q", got)
	}
	if got := RecordName(def, ""); got != "status page [12-unknown]" {
		t.Fatalf("got %q", got)
	}
	def.CurrentJobID = "cur"
	if got := RecordName(def, ""); got != "status page [12-cur]" {
		t.Fatalf("got %q", got)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	err := newError(KindTransport, "send", 3, http.ErrHandlerTimeout)
	if !IsKind(err, KindTransport) || IsKind(err, KindStorage) {
		t.Fatalf("IsKind mismatch for %v", err)
	}
	if err.Error() != "fetch 3: send (transport): http: Handler timeout" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
