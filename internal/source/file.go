package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ErrOutsideRoot rejects a confined file path that leaves the data root.
var ErrOutsideRoot = errors.New("source: path outside data root")

// Files resolves file:// URIs and bare paths. A leading ~ expands to the
// user's home directory. Relative paths resolve against Root when set.
// A confined Files only serves relative paths that stay under Root.
type Files struct {
	Root    string
	Confine bool
}

func (f Files) Resolve(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.Path(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Path maps uri to a local filesystem path.
func (f Files) Path(uri string) (string, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", err
		}
		path = u.Host + u.Path
		if u.Host == "~" {
			path = "~" + u.Path
		}
	}
	if f.Confine {
		return f.confined(path)
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	return filepath.Clean(path), nil
}

func (f Files) confined(path string) (string, error) {
	if f.Root == "" {
		return "", fmt.Errorf("%w: no data root configured", ErrOutsideRoot)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "~") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	root := filepath.Clean(f.Root)
	full := filepath.Join(root, path)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}
