package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleProfile = `
fields:
  name: Ada Lovelace
  Email: ada@example.com
  phone: "+44 20 0000 0000"
documents:
  - name: summary
    text: Backend engineer working with Go, Kubernetes and PostgreSQL.
  - name: experience
    path: experience.txt
resumes:
  - category: default
    path: resumes/general.pdf
  - category: platform
    keywords: [sre, devops, infrastructure]
    path: resumes/platform.pdf
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "experience.txt"), []byte("Built payment systems in Go."), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeProfile(t, sampleProfile)

	store, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.Snapshot()
	if snap.Version == "" {
		t.Fatal("expected version to be set")
	}
	if len(snap.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(snap.Chunks))
	}
	if snap.Chunks[1] != "Built payment systems in Go." {
		t.Fatalf("document path not resolved: %q", snap.Chunks[1])
	}

	if v, ok := store.Field("email"); !ok || v != "ada@example.com" {
		t.Fatalf("unexpected email: %q %v", v, ok)
	}
	if _, ok := store.Field("linkedin"); ok {
		t.Fatal("expected missing field")
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Snapshot().Version != snap.Version {
		t.Fatal("version must be stable for identical content")
	}
}

func TestVersionChangesWithContent(t *testing.T) {
	a, err := New(Profile{Fields: map[string]string{"name": "Ada"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Profile{Fields: map[string]string{"name": "Ada L."}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Snapshot().Version == b.Snapshot().Version {
		t.Fatal("expected versions to differ")
	}
}

func TestResumeFor(t *testing.T) {
	t.Parallel()

	store, err := Load(writeProfile(t, sampleProfile))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		title string
		want  string
	}{
		{title: "Senior SRE", want: "platform"},
		{title: "Platform Engineer", want: "platform"},
		{title: "Frontend Developer", want: "default"},
	}

	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			got, ok := store.ResumeFor(tc.title)
			if !ok {
				t.Fatal("expected a resume")
			}
			if got.Category != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Category)
			}
			if !filepath.IsAbs(got.Path) {
				t.Fatalf("expected resolved path, got %s", got.Path)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	_, err := New(Profile{})
	if err == nil {
		t.Fatal("expected error for empty profile")
	}

	_, err = New(Profile{
		Fields:  map[string]string{"name": "Ada"},
		Resumes: []ResumeVariant{{Category: "go", Path: "a.pdf"}, {Category: "Go", Path: "b.pdf"}, {Path: "c.pdf"}},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicate category") || !strings.Contains(err.Error(), "category is required") {
		t.Fatalf("expected every problem listed, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	if got := Chunk("short text", 500, 50); len(got) != 1 || got[0] != "short text" {
		t.Fatalf("unexpected chunks: %q", got)
	}

	text := strings.Repeat("x", 1200)
	chunks := Chunk(text, 500, 50)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[1]) != 500 || len(chunks[2]) != 300 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	sentence := strings.Repeat("a", 400) + ". " + strings.Repeat("b", 300)
	chunks = Chunk(sentence, 500, 50)
	if !strings.HasSuffix(chunks[0], ".") || len(chunks[0]) != 401 {
		t.Fatalf("expected cut at sentence end, got %d runes", len(chunks[0]))
	}
	if !strings.HasPrefix(chunks[1], strings.Repeat("a", 49)) {
		t.Fatalf("expected overlap with previous chunk: %q", chunks[1][:60])
	}
}
