package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
)

// Source reads uploaded documents by file name.
type Source interface {
	ReadDocument(ctx context.Context, filename string) ([]byte, error)
}

// DirSource serves documents from a flat upload directory.
type DirSource struct {
	root   string
	logger *slog.Logger
}

func NewDirSource(root string, logger *slog.Logger) *DirSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{root: root, logger: logger}
}

// ReadDocument returns the bytes of filename. Missing files wrap
// common.ErrNotFound.
func (s *DirSource) ReadDocument(ctx context.Context, filename string) ([]byte, error) {
	path, err := s.path(filename)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("document %q: %w", filename, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read document %q: %w", filename, err)
	}
	s.logger.Debug("files.read", "filename", filename, "bytes", len(data))
	return data, nil
}

// Save stores data under filename, replacing any previous upload.
func (s *DirSource) Save(_ context.Context, filename string, data []byte) error {
	path, err := s.path(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp upload: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit upload: %w", err)
	}
	s.logger.Info("files.saved", "filename", filename, "bytes", len(data))
	return nil
}

// List returns the supported, non-hidden documents in the upload directory.
func (s *DirSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if constants.MapExtToContentType(filepath.Ext(name)) == "" {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *DirSource) path(filename string) (string, error) {
	v := common.NewValidator().Field("filename", filename, common.Required, common.BaseName)
	if err := v.Error(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filename), nil
}
