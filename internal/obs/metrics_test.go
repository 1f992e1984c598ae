package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/authorizations":            "/v1/authorizations",
		"/v1/authorizations/request":    "/v1/authorizations/request",
		"/v1/authorizations/abc/audit":  "/v1/authorizations/:id/audit",
		"/v1/sellers/s-1/limits":        "/v1/sellers/:id/limits",
		"/v1/authorizations?page=2":     "/v1/authorizations",
		"/v1/sellers/s-1/limits?x=1":    "/v1/sellers/:id/limits",
		"/v1/authorizations/abc/extras": "/v1/authorizations/abc/extras",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
