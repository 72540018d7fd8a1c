package status

import "testing"

func TestReasonPhrase(t *testing.T) {
	if got := ReasonPhrase(200); got != "OK" {
		t.Fatalf("ReasonPhrase(200) = %q", got)
	}
	if got := ReasonPhrase(404); got != "Not Found" {
		t.Fatalf("ReasonPhrase(404) = %q", got)
	}
	if got := ReasonPhrase(999); got != "" {
		t.Fatalf("ReasonPhrase(999) = %q, want empty", got)
	}
}

func TestIsRedirect(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307, 308} {
		if !IsRedirect(code) {
			t.Errorf("IsRedirect(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 404, 500, 304} {
		if IsRedirect(code) {
			t.Errorf("IsRedirect(%d) = true, want false", code)
		}
	}
}

func TestRewritesToGET(t *testing.T) {
	cases := []struct {
		code   int
		method string
		want   bool
	}{
		{303, "POST", true},
		{303, "HEAD", false},
		{303, "GET", true},
		{301, "POST", true},
		{301, "GET", false},
		{301, "HEAD", false},
		{302, "PUT", true},
		{307, "POST", false},
		{308, "POST", false},
	}
	for _, tc := range cases {
		if got := RewritesToGET(tc.code, tc.method); got != tc.want {
			t.Errorf("RewritesToGET(%d, %q) = %v, want %v", tc.code, tc.method, got, tc.want)
		}
	}
}

func TestPreservesMethod(t *testing.T) {
	cases := []struct {
		code   int
		method string
		want   bool
	}{
		{307, "POST", true},
		{308, "PUT", true},
		{301, "GET", true},
		{301, "HEAD", true},
		{301, "POST", false},
		{302, "DELETE", false},
		{303, "POST", false},
	}
	for _, tc := range cases {
		if got := PreservesMethod(tc.code, tc.method); got != tc.want {
			t.Errorf("PreservesMethod(%d, %q) = %v, want %v", tc.code, tc.method, got, tc.want)
		}
	}
}
