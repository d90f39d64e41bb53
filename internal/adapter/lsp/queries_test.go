package lsp

import (
	"encoding/json"
	"testing"
)

func TestParseLocations(t *testing.T) {
	tests := map[string]struct {
		raw     string
		want    int
		wantURI string
	}{
		"null result":         {raw: `null`, want: 0},
		"empty array":         {raw: `[]`, want: 0},
		"single location":     {raw: `{"uri":"file:///a.go","range":{"start":{"line":1,"character":2},"end":{"line":1,"character":5}}}`, want: 1, wantURI: "file:///a.go"},
		"location array":      {raw: `[{"uri":"file:///a.go","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}},{"uri":"file:///b.go","range":{"start":{"line":2,"character":0},"end":{"line":2,"character":1}}}]`, want: 2, wantURI: "file:///a.go"},
		"location link array": {raw: `[{"targetUri":"file:///c.go","targetRange":{"start":{"line":4,"character":0},"end":{"line":4,"character":9}},"targetSelectionRange":{"start":{"line":4,"character":0},"end":{"line":4,"character":9}}}]`, want: 1, wantURI: "file:///c.go"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			locs, err := parseLocations(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("parseLocations: %v", err)
			}
			if len(locs) != tc.want {
				t.Fatalf("len = %d, want %d", len(locs), tc.want)
			}
			if tc.want > 0 && locs[0].URI != tc.wantURI {
				t.Errorf("uri = %q, want %q", locs[0].URI, tc.wantURI)
			}
		})
	}

	if _, err := parseLocations(json.RawMessage(`"not a location"`)); err == nil {
		t.Error("garbage accepted")
	}
}

func TestExtractHoverContents(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want string
	}{
		"plain string":   {raw: `"func Foo()"`, want: "func Foo()"},
		"markup content": {raw: `{"kind":"markdown","value":"**Foo** does things"}`, want: "**Foo** does things"},
		"marked string array": {
			raw:  `[{"language":"go","value":"func Foo()"},"Foo does things"]`,
			want: "func Foo()\n\nFoo does things",
		},
		"empty": {raw: ``, want: ""},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := extractHoverContents(json.RawMessage(tc.raw)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLanguageIDForPath(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/src/main.go", "go"},
		{"/src/app.py", "python"},
		{"/src/index.ts", "typescript"},
		{"/src/component.tsx", "typescript"},
		{"/src/util.mjs", "javascript"},
		{"/src/README.md", "fallback"},
	}
	for _, tc := range tests {
		if got := languageIDForPath(tc.path, "fallback"); got != tc.want {
			t.Errorf("languageIDForPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
