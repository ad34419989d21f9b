// Package volume maps volume identifiers onto directories on the host.
package volume

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// maxIDLength bounds identifiers to a single path component.
const maxIDLength = 255

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DirectoryResolver resolves volumes laid out as <root>/<id>/<subdir>, the
// layout the Docker local driver uses (/var/lib/docker/volumes/<id>/_data).
type DirectoryResolver struct {
	root   string
	subdir string
}

// NewDirectoryResolver creates a resolver rooted at root. subdir may be empty.
func NewDirectoryResolver(root, subdir string) *DirectoryResolver {
	return &DirectoryResolver{root: filepath.Clean(root), subdir: subdir}
}

// ValidateID reports whether id is a well-formed volume identifier.
func ValidateID(id string) error {
	if len(id) == 0 || len(id) > maxIDLength || !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", scanning.ErrInvalidVolumeID, id)
	}
	return nil
}

// Resolve returns the data directory of volume id.
func (r *DirectoryResolver) Resolve(ctx context.Context, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}

	path := filepath.Join(r.root, id, r.subdir)
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: %s", scanning.ErrVolumeNotFound, id)
	case err != nil:
		return "", fmt.Errorf("stat volume %s: %w", id, err)
	case !fi.IsDir():
		return "", fmt.Errorf("%w: %s is not a directory", scanning.ErrInvalidVolumePath, path)
	}

	return path, nil
}

// List enumerates the volumes present under root, sorted by id. Entries that
// are not valid identifiers or lack the data directory are skipped.
func (r *DirectoryResolver) List(ctx context.Context) ([]scanning.Volume, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list volumes in %s: %w", r.root, err)
	}

	vols := make([]scanning.Volume, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}

		mount := filepath.Join(r.root, e.Name(), r.subdir)
		fi, err := os.Stat(mount)
		if err != nil || !fi.IsDir() {
			continue
		}

		vols = append(vols, scanning.Volume{
			ID:         e.Name(),
			Driver:     "local",
			Mountpoint: mount,
			CreatedAt:  fi.ModTime().UTC(),
		})
	}

	slices.SortFunc(vols, func(a, b scanning.Volume) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return vols, nil
}
