// Package bundle turns command-line paths into a single uploadable file.
//
// A lone file whose extension the server accepts is uploaded as is.
// Anything else (directories, several files) is packed into a zip archive.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

func (k PathKind) String() string {
	if k == PathDir {
		return "dir"
	}
	return "file"
}

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseArgs checks that every argument exists and classifies it.
// Repeated paths are kept once.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<paths>", Cause: "no files provided"}
	}

	var out []ParsedPath
	seen := make(map[string]bool)

	for _, raw := range args {
		p := filepath.Clean(raw)
		if seen[p] {
			continue
		}
		seen[p] = true

		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		switch {
		case info.IsDir():
			kind = PathDir
		case !info.Mode().IsRegular():
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file"}
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}
