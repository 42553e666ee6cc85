package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"

	appLog "calsync/internal/log"
)

// Store is the document-store collaborator: markdown documents with YAML
// frontmatter on a billy filesystem (osfs in production, memfs in tests).
//
// Mutations go through an atomic temp-file + rename write so a crashed cycle
// never leaves a half-written document, and every mutation first passes the
// malformed-metadata gate.
type Store struct {
	fs      billy.Filesystem
	exclude []string
	retry   RetryPolicy
}

// NewStore builds a Store rooted at fs. exclude holds slash-path glob
// patterns (matched against the full relative path and against the base
// name) that List never reports and mutations refuse to touch.
func NewStore(fs billy.Filesystem, exclude []string, retry RetryPolicy) *Store {
	return &Store{fs: fs, exclude: exclude, retry: retry}
}

// List returns the relative paths of all tracked markdown documents in
// deterministic (sorted) order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.walk(ctx, ".", &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) walk(ctx context.Context, dir string, out *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		full := name
		if dir != "." && dir != "" {
			full = path.Join(dir, name)
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		if s.excluded(full) {
			continue
		}
		if entry.IsDir() {
			if err := s.walk(ctx, full, out); err != nil {
				return err
			}
			continue
		}
		if strings.EqualFold(path.Ext(name), ".md") {
			*out = append(*out, full)
		}
	}
	return nil
}

func (s *Store) excluded(p string) bool {
	for _, pattern := range s.exclude {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}

// Exists reports whether a document is present at path.
func (s *Store) Exists(p string) bool {
	_, err := s.fs.Stat(p)
	return err == nil
}

// ReadRaw returns the raw bytes of a document.
func (s *Store) ReadRaw(p string) ([]byte, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ReadFields parses and returns a document's metadata block. Malformed
// metadata comes back as ErrMalformedMetadata.
func (s *Store) ReadFields(p string) (*Fields, error) {
	raw, err := s.ReadRaw(p)
	if err != nil {
		return nil, err
	}
	front, _, err := splitDocument(raw)
	if err != nil {
		return nil, err
	}
	fields, err := parseFields(front)
	if err != nil {
		return nil, ErrMalformedMetadata
	}
	return fields, nil
}

// WriteFieldsMerge atomically applies mutate to the latest on-disk metadata
// of the document at p. mutate observes current fields; the write is
// all-or-nothing. The malformed-metadata gate runs before every attempt so
// the engine never merges into a broken structure.
func (s *Store) WriteFieldsMerge(p string, mutate func(*Fields) error) error {
	return s.retry.Do(func() error {
		raw, err := s.ReadRaw(p)
		if err != nil {
			return err
		}
		front, body, err := splitDocument(raw)
		if err != nil {
			return err
		}
		fields, err := parseFields(front)
		if err != nil {
			return ErrMalformedMetadata
		}
		if err := mutate(fields); err != nil {
			return err
		}
		rendered, err := renderDocument(fields, body)
		if err != nil {
			return err
		}
		return s.writeAtomic(p, rendered)
	})
}

// Create writes a new document; it fails with ErrExists when the path is
// already taken.
func (s *Store) Create(p string, fields *Fields, body []byte) error {
	if s.Exists(p) {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	if fields == nil {
		fields = NewFields()
	}
	rendered, err := renderDocument(fields, body)
	if err != nil {
		return err
	}
	return s.writeAtomic(p, rendered)
}

// Delete removes a document. Deleting an absent document is not an error.
func (s *Store) Delete(p string) error {
	err := s.fs.Remove(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Move relocates a document, creating directories as needed. When the
// destination is taken, a numeric suffix finds a free name; the final path
// is returned. The move itself runs under the retry policy, which absorbs
// transient races with external sync tools touching the same file.
func (s *Store) Move(from, to string) (string, error) {
	if err := s.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return "", err
	}

	dest := to
	ext := path.Ext(to)
	stem := strings.TrimSuffix(to, ext)
	for i := 1; s.Exists(dest); i++ {
		if i > 100 {
			return "", fmt.Errorf("no free name for %s", to)
		}
		dest = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}

	err := s.retry.Do(func() error {
		return s.fs.Rename(from, dest)
	})
	if err != nil {
		return "", err
	}
	appLog.Debug("vault move", "from", from, "to", dest)
	return dest, nil
}

func (s *Store) writeAtomic(p string, data []byte) error {
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := s.fs.TempFile(dir, ".calsync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	return nil
}
