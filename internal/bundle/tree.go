package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
}

type Dir struct {
	path     string
	name     string
	children []Node
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return f.name }
func (f *File) Size() int64  { return f.size }

func (d *Dir) Path() string     { return d.path }
func (d *Dir) Name() string     { return d.name }
func (d *Dir) Children() []Node { return d.children }

// Tree is the set of files selected for upload. When several paths are
// given they hang off a virtual root directory.
type Tree struct {
	Root Node
}

// Build walks the parsed paths. Symlinks and other non-regular files
// inside directories are skipped.
func Build(paths []ParsedPath) (*Tree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDir(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
			continue
		}

		info, err := os.Stat(parsedPath.FullPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", parsedPath.FullPath, err)
		}
		rootNodes = append(rootNodes, &File{
			path: parsedPath.FullPath,
			name: filepath.Base(parsedPath.FullPath),
			size: info.Size(),
		})
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	if len(rootNodes) == 1 {
		return &Tree{Root: rootNodes[0]}, nil
	}
	return &Tree{Root: virtualRoot(rootNodes, time.Now())}, nil
}

func buildDir(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDir(childPath)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{path: childPath, name: entry.Name(), size: info.Size()})
		}
	}

	return dir, nil
}

func virtualRoot(children []Node, now time.Time) *Dir {
	name := "upload_" + now.Format("2006_01_02_150405")
	return &Dir{path: name, name: name, children: children}
}

// Files returns every file in the tree in depth-first order.
func (t *Tree) Files() []*File {
	var out []*File
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			out = append(out, v)
		case *Dir:
			for _, c := range v.children {
				walk(c)
			}
		}
	}
	walk(t.Root)
	return out
}

// Size is the total uncompressed size of the tree's files.
func (t *Tree) Size() int64 {
	var total int64
	for _, f := range t.Files() {
		total += f.size
	}
	return total
}
