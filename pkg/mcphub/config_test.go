package mcphub

import (
	"reflect"
	"testing"
	"time"
)

func TestBackendConfigValidate(t *testing.T) {
	t.Parallel()

	ns := BackendPrefixNamespace{}
	cases := []struct {
		name    string
		cfg     BackendConfig
		wantErr bool
	}{
		{"stdio", BackendConfig{Name: "alpha", Command: "npx", Args: []string{"server-everything"}}, false},
		{"http", BackendConfig{Name: "alpha", URL: "https://example.com/mcp"}, false},
		{"no transport", BackendConfig{Name: "alpha"}, true},
		{"both transports", BackendConfig{Name: "alpha", Command: "npx", URL: "https://example.com/mcp"}, true},
		{"empty name", BackendConfig{URL: "https://example.com/mcp"}, true},
		{"separator in name", BackendConfig{Name: "al__pha", URL: "https://example.com/mcp"}, true},
		{"negative timeout", BackendConfig{Name: "alpha", URL: "https://example.com/mcp", Timeout: -time.Second}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.validate(ns)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestMergeEnviron(t *testing.T) {
	t.Parallel()

	base := []string{"PATH=/usr/bin", "HOME=/root", "TERM=xterm"}
	merged := mergeEnviron(base, map[string]string{
		"HOME":  "/srv/hub",
		"TERM":  "",
		"EXTRA": "1",
		"EMPTY": "",
	})

	expected := []string{"PATH=/usr/bin", "HOME=/srv/hub", "EXTRA=1"}
	if !reflect.DeepEqual(merged, expected) {
		t.Fatalf("mergeEnviron = %v, expected %v", merged, expected)
	}
}

func TestMergeEnvironNoOverrides(t *testing.T) {
	t.Parallel()

	base := []string{"PATH=/usr/bin"}
	if got := mergeEnviron(base, nil); !reflect.DeepEqual(got, base) {
		t.Fatalf("mergeEnviron without overrides = %v, expected %v", got, base)
	}
}

func TestMergeEnvironAppendsSorted(t *testing.T) {
	t.Parallel()

	merged := mergeEnviron([]string{"A=1"}, map[string]string{
		"ZZZ": "z",
		"BBB": "b",
		"MMM": "m",
	})
	expected := []string{"A=1", "BBB=b", "MMM=m", "ZZZ=z"}
	if !reflect.DeepEqual(merged, expected) {
		t.Fatalf("mergeEnviron = %v, expected %v", merged, expected)
	}
}
