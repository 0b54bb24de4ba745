package template

import (
	"reflect"
	"strings"
	"testing"
)

func TestRenderSubstitutesAllOccurrences(t *testing.T) {
	t.Parallel()
	r := NewRenderer(0)
	got := r.Render(
		"${platform} sync done",
		"Platform ${platform} added ${count} resources on ${platform}.",
		Vars{"platform": "acme", "count": 12},
	)
	if got.Subject != "acme sync done" {
		t.Fatalf("Subject = %q", got.Subject)
	}
	if got.Body != "Platform acme added 12 resources on acme." {
		t.Fatalf("Body = %q", got.Body)
	}
	if len(got.Unresolved) != 0 {
		t.Fatalf("Unresolved = %v, want none", got.Unresolved)
	}
}

func TestRenderKeepsUnknownTokensVerbatim(t *testing.T) {
	t.Parallel()
	r := NewRenderer(0)
	got := r.Render("Hi ${who}", "${who}, your ${thing} is ready. Again: ${thing}", Vars{})
	if got.Subject != "Hi ${who}" || !strings.Contains(got.Body, "${thing}") {
		t.Fatalf("tokens were dropped: %q / %q", got.Subject, got.Body)
	}
	if want := []string{"who", "thing"}; !reflect.DeepEqual(got.Unresolved, want) {
		t.Fatalf("Unresolved = %v, want %v", got.Unresolved, want)
	}
}

func TestRenderListTruncation(t *testing.T) {
	t.Parallel()
	items := []Item{
		{Title: "ISO 13485 update", Kind: "standard"},
		{Title: "FDA guidance", Kind: "guidance"},
		{Title: "MDR annex", Kind: "regulation"},
		{Title: "IEC 62304", Kind: "standard"},
		{Title: "21 CFR 820", Kind: "regulation"},
		{Title: "ISO 14971", Kind: "standard"},
		{Title: "EU 2017/745", Kind: "regulation"},
	}
	r := NewRenderer(5)
	got := r.Render("", "${resources}", Vars{"resources": items})
	lines := strings.Split(got.Body, "\n")
	if len(lines) != 6 {
		t.Fatalf("lines = %d, want 5 items + more suffix:\n%s", len(lines), got.Body)
	}
	if lines[0] != "1. ISO 13485 update (standard)" {
		t.Fatalf("first line = %q", lines[0])
	}
	if lines[5] != "+2 more" {
		t.Fatalf("suffix = %q, want \"+2 more\"", lines[5])
	}

	// Short lists get no suffix.
	got = r.Render("", "${resources}", Vars{"resources": items[:2]})
	if strings.Contains(got.Body, "more") {
		t.Fatalf("unexpected suffix: %q", got.Body)
	}
}

func TestExtractVars(t *testing.T) {
	t.Parallel()
	got := ExtractVars("${a} then ${b} and ${a} again, not ${not closed")
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractVars = %v, want %v", got, want)
	}
}

func TestRegistryDefaultUndeletable(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Put(Email{ID: "default", Subject: "${platform}", Body: "b", Default: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := reg.Put(Email{ID: "extra", Subject: "s", Body: "${count}"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := reg.Delete("default"); err != ErrUndeletable {
		t.Fatalf("Delete(default) = %v, want ErrUndeletable", err)
	}
	if err := reg.Delete("extra"); err != nil {
		t.Fatalf("Delete(extra): %v", err)
	}
	if err := reg.Delete("missing"); err == nil {
		t.Fatal("expected not-found error")
	}

	// Variables are derived, and default status survives an update.
	if err := reg.Put(Email{ID: "default", Subject: "${x} ${y}", Body: ""}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	tpl, err := reg.Get("default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tpl.Default {
		t.Fatal("update demoted the default template")
	}
	if want := []string{"x", "y"}; !reflect.DeepEqual(tpl.Variables, want) {
		t.Fatalf("Variables = %v, want %v", tpl.Variables, want)
	}
}
