package video

import (
	"context"
	"errors"
	"testing"

	"github.com/coview-labs/coview/pkg/core"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureTransient},
		{"detached message", errors.New("target detached from session"), FailureDetached},
		{"no such target", errors.New("no such target: abc"), FailureDetached},
		{"context canceled", context.Canceled, FailureDetached},
		{"session closed", errors.New("session closed"), FailureInvalid},
		{"typed detached", core.NewCaptureTargetError(core.CodeTargetDetached, "x", nil), FailureDetached},
		{"typed invalid", core.NewCaptureTargetError(core.CodeTargetInvalid, "x", nil), FailureInvalid},
		{"typed privileged", core.NewCaptureTargetError(core.CodePrivilegedURL, "x", nil), FailureInvalid},
		{"network blip", errors.New("read tcp: connection reset"), FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsPrivilegedURL(t *testing.T) {
	privileged := []string{
		"chrome://settings",
		"CHROME://flags",
		"about:blank",
		"devtools://devtools/bundled/inspector.html",
		"chrome-extension://abcdef/page.html",
		"view-source:https://example.com",
		"edge://settings",
	}
	for _, url := range privileged {
		if !IsPrivilegedURL(url) {
			t.Errorf("IsPrivilegedURL(%q) = false, want true", url)
		}
	}
	allowed := []string{
		"https://example.com",
		"http://localhost:3000",
		"https://example.com/chrome://trick",
		"",
	}
	for _, url := range allowed {
		if IsPrivilegedURL(url) {
			t.Errorf("IsPrivilegedURL(%q) = true, want false", url)
		}
	}
}

func TestTabRegistry(t *testing.T) {
	reg := NewTabRegistry()
	reg.Register("t1", "https://a.example", "A")
	reg.Register("t2", "https://b.example", "B")
	reg.SetActive("t2")

	if reg.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reg.Count())
	}
	meta, ok := reg.Active()
	if !ok || meta.URL != "https://b.example" {
		t.Fatalf("Active = %+v, want t2", meta)
	}

	reg.Remove("t2")
	if _, ok := reg.Active(); ok {
		t.Fatal("removed tab still reported active")
	}
	if _, ok := reg.Get("t1"); !ok {
		t.Fatal("unrelated tab lost on Remove")
	}
}
