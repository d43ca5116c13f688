package broker

import "testing"

func TestAllowlistMatch(t *testing.T) {
	allow, err := Compile(DefaultEntries)
	if err != nil {
		t.Fatalf("compile default entries: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"ping", "GET", "/_ping", true},
		{"ping head", "HEAD", "/_ping", true},
		{"versioned ping", "GET", "/v1.47/_ping", true},
		{"list", "GET", "/containers/json", true},
		{"create", "POST", "/containers/create", true},
		{"versioned create", "POST", "/v1.47/containers/create", true},
		{"inspect", "GET", "/containers/abc123/json", true},
		{"start", "POST", "/containers/abc123/start", true},
		{"stop", "POST", "/v1.47/containers/abc123/stop", true},
		{"remove", "DELETE", "/containers/abc123", true},
		{"wait", "POST", "/containers/abc123/wait", true},

		// "create" is a legal container name, so DELETE /containers/create
		// is just a remove and stays allowed.
		{"remove of container named create", "DELETE", "/containers/create", true},
		{"method mismatch", "PUT", "/containers/create", false},
		{"exec is privileged", "POST", "/containers/abc123/exec", false},
		{"image pull", "POST", "/images/create", false},
		{"secrets", "GET", "/secrets", false},
		{"wildcard spans one segment only", "GET", "/containers/a/b/json", false},
		{"no prefix match", "GET", "/containers/json/extra", false},
		{"no suffix match", "POST", "/x/containers/create", false},
		{"empty id segment", "DELETE", "/containers/", false},
		{"case sensitive path", "GET", "/Containers/json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allow.Match(tt.method, tt.path); got != tt.want {
				t.Errorf("Match(%s, %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	bad := []Entry{
		{"GET", "containers/json"},
		{"GET", "/containers/{id"},
		{"GET", "/containers//json"},
		{"BREW", "/containers/json"},
	}
	for _, e := range bad {
		if _, err := Compile([]Entry{e}); err == nil {
			t.Errorf("Compile(%s %s) succeeded, want error", e.Method, e.Pattern)
		}
	}
}

func TestParseEntries(t *testing.T) {
	entries, err := ParseEntries([]string{"GET /networks", "POST /containers/{id}/restart"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	allow, err := Compile(entries)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !allow.Match("GET", "/networks") {
		t.Error("parsed entry GET /networks should match")
	}
	if !allow.Match("POST", "/v1.47/containers/abc/restart") {
		t.Error("parsed entry with variable should match")
	}

	if _, err := ParseEntries([]string{"GET"}); err == nil {
		t.Error("entry without path should be rejected")
	}
}
