package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Persister is the key-value collaborator behind the Store, keyed by vehicle id.
type Persister interface {
	Save(ctx context.Context, st State) error
	LoadAll(ctx context.Context) ([]State, error)
}

// NopPersister keeps nothing; state lives only in memory.
type NopPersister struct{}

func (NopPersister) Save(context.Context, State) error        { return nil }
func (NopPersister) LoadAll(context.Context) ([]State, error) { return nil, nil }

// FilePersister stores one JSON document per vehicle in a directory.
type FilePersister struct {
	dir string
}

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(id string) string {
	// Escaped ids map one-to-one onto file names and contain no separator.
	return filepath.Join(p.dir, url.PathEscape(id)+".json")
}

// Save writes to a temp file and renames it over the previous document.
func (p *FilePersister) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p.dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.path(st.ID))
}

func (p *FilePersister) LoadAll(ctx context.Context) ([]State, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []State
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, de.Name()))
		if err != nil {
			return nil, err
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", de.Name(), err)
		}
		out = append(out, st)
	}
	return out, nil
}
