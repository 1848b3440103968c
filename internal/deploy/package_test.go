package deploy

import "testing"

func TestDestination(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://api.15.126.129.33.xip.io", "https://node-env.15.126.129.33.xip.io"},
		{"http://api.example.com/", "http://node-env.example.com"},
		{"not-a-url", ""},
		{"https://console.example.com", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Destination(tc.endpoint, "node-env"); got != tc.want {
			t.Fatalf("destination(%q): expected %q, got %q", tc.endpoint, tc.want, got)
		}
	}
}

func TestPackageName(t *testing.T) {
	cases := map[string]string{
		"foo.tar.gz":          "foo",
		"/tmp/x/node-env.tgz": "node-env",
		"plain":               "plain",
		"node-env-1.2.tar.gz": "node-env-1.2",
		"app.v2.tgz":          "app",
		".hidden.tar.gz":      ".hidden",
	}
	for in, want := range cases {
		if got := PackageName(in); got != want {
			t.Fatalf("package name %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNewPackage(t *testing.T) {
	pkg, err := NewPackage("node-env", "/var/packages/node-env.tar.gz", "https://api.example.io")
	if err != nil {
		t.Fatalf("new package: %v", err)
	}
	if pkg.Name != "node-env" || pkg.FileName != "node-env.tar.gz" {
		t.Fatalf("unexpected names %+v", pkg)
	}
	if pkg.Cwd != "/var/packages" || pkg.Path != "/var/packages/node-env.tar.gz" {
		t.Fatalf("unexpected paths %+v", pkg)
	}
	if pkg.Destination != "https://node-env.example.io" {
		t.Fatalf("unexpected destination %s", pkg.Destination)
	}
}
