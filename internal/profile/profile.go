package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spigell/job-autopilot/internal/utils"
)

// Semantic field types a form input can be classified as.
const (
	FieldName       = "name"
	FieldEmail      = "email"
	FieldPhone      = "phone"
	FieldFileUpload = "file-upload"
	FieldFreeText   = "free-text"
)

// DefaultCategory is the resume variant used when no category matches a title.
const DefaultCategory = "default"

// Profile is the on-disk candidate profile. JSON files are accepted too,
// since they are valid YAML.
type Profile struct {
	Fields    map[string]string `yaml:"fields"`
	Documents []Document        `yaml:"documents"`
	Resumes   []ResumeVariant   `yaml:"resumes"`
}

// Document is a text section used for fit scoring. Path is resolved relative
// to the profile file and wins over inline Text.
type Document struct {
	Name string `yaml:"name"`
	Text string `yaml:"text"`
	Path string `yaml:"path"`
}

// ResumeVariant is an uploadable resume for a role category.
type ResumeVariant struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
	Path     string   `yaml:"path"`
}

// Snapshot is an immutable view of the profile for one scoring pass.
type Snapshot struct {
	Version string
	Fields  map[string]string
	Chunks  []string
}

// Store is the read-only holder of a loaded profile.
type Store struct {
	profile  Profile
	snapshot Snapshot
}

// Load reads a profile file and resolves document and resume paths.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, doc := range p.Documents {
		if doc.Path == "" {
			continue
		}
		text, err := os.ReadFile(resolve(dir, doc.Path))
		if err != nil {
			return nil, fmt.Errorf("read document %q: %w", doc.Name, err)
		}
		p.Documents[i].Text = string(text)
	}
	for i, r := range p.Resumes {
		if r.Path != "" {
			p.Resumes[i].Path = resolve(dir, r.Path)
		}
	}

	return New(p)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// New builds a store from an in-memory profile.
func New(p Profile) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		fields[normalizeKey(k)] = strings.TrimSpace(v)
	}
	p.Fields = fields

	var chunks []string
	for _, doc := range p.Documents {
		for _, c := range Chunk(doc.Text, ChunkSize, ChunkOverlap) {
			if c != "" {
				chunks = append(chunks, c)
			}
		}
	}

	return &Store{
		profile: p,
		snapshot: Snapshot{
			Version: version(p, chunks),
			Fields:  fields,
			Chunks:  chunks,
		},
	}, nil
}

func (p Profile) Validate() error {
	var errs []error
	if len(p.Fields) == 0 && len(p.Documents) == 0 {
		errs = append(errs, errors.New("profile has neither fields nor documents"))
	}
	seen := map[string]bool{}
	for i, r := range p.Resumes {
		cat := strings.ToLower(strings.TrimSpace(r.Category))
		if cat == "" {
			errs = append(errs, fmt.Errorf("resumes[%d]: category is required", i))
			continue
		}
		if seen[cat] {
			errs = append(errs, fmt.Errorf("resumes[%d]: duplicate category %q", i, cat))
		}
		seen[cat] = true
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("resumes[%d]: path is required", i))
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns the current versioned profile view.
func (s *Store) Snapshot() Snapshot {
	return s.snapshot
}

// Field returns the profile value for a semantic field type.
func (s *Store) Field(semantic string) (string, bool) {
	v, ok := s.snapshot.Fields[normalizeKey(semantic)]
	return v, ok && v != ""
}

// ResumeFor picks the resume variant whose keywords (or category name) match
// the posting title, falling back to the default variant.
func (s *Store) ResumeFor(title string) (ResumeVariant, bool) {
	title = strings.ToLower(title)
	var fallback *ResumeVariant
	for i := range s.profile.Resumes {
		r := &s.profile.Resumes[i]
		if strings.EqualFold(r.Category, DefaultCategory) {
			fallback = r
			continue
		}
		needles := append([]string{r.Category}, r.Keywords...)
		for _, n := range needles {
			n = strings.ToLower(strings.TrimSpace(n))
			if n != "" && strings.Contains(title, n) {
				return *r, true
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return ResumeVariant{}, false
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.ReplaceAll(k, "_", "-")
}

func version(p Profile, chunks []string) string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, 2*len(keys)+len(chunks)+len(p.Resumes))
	for _, k := range keys {
		parts = append(parts, k, p.Fields[k])
	}
	parts = append(parts, chunks...)
	for _, r := range p.Resumes {
		parts = append(parts, r.Category+"="+r.Path)
	}
	return utils.Fingerprint(parts...)
}
