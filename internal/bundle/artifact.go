package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const zipContentType = "application/zip"

// Artifact is the single file that will be uploaded.
type Artifact struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
	temporary   bool
}

// Cleanup removes the artifact if it was generated.
func (a *Artifact) Cleanup() error {
	if !a.temporary {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove bundle %s: %w", a.Path, err)
	}
	return nil
}

// Prepare picks what to upload for the given paths. types maps each
// extension the server accepts to its allowed content types; a single file
// with one of those extensions is sent unchanged, everything else is zipped.
func Prepare(paths []ParsedPath, types map[string][]string) (*Artifact, error) {
	tree, err := Build(paths)
	if err != nil {
		return nil, err
	}

	if f, ok := tree.Root.(*File); ok {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name()), "."))
		if cts := types[ext]; len(cts) > 0 {
			return &Artifact{Path: f.Path(), Name: f.Name(), ContentType: cts[0], Size: f.Size()}, nil
		}
	}

	if _, ok := types["zip"]; !ok {
		return nil, &ValidationError{Arg: tree.Root.Name(), Cause: "file type not accepted and the server does not accept zip bundles"}
	}
	return zipTree(tree)
}

func zipTree(tree *Tree) (*Artifact, error) {
	tmp, err := os.CreateTemp("", "intake-bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle: %w", err)
	}

	err = tree.WriteZip(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to stat bundle: %w", err)
	}

	name := strings.TrimSuffix(tree.Root.Name(), filepath.Ext(tree.Root.Name())) + ".zip"
	return &Artifact{
		Path:        tmp.Name(),
		Name:        name,
		ContentType: zipContentType,
		Size:        info.Size(),
		temporary:   true,
	}, nil
}
