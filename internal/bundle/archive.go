package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
)

// entry is one file in the bundle: where it is on disk and its name inside
// the archive.
type entry struct {
	src  string
	name string
}

// entries lists the tree's files with archive names rooted at the tree's
// root name. Names always use forward slashes.
func (t *Tree) entries() []entry {
	var out []entry
	var walk func(n Node, prefix string)
	walk = func(n Node, prefix string) {
		name := path.Join(prefix, n.Name())
		switch v := n.(type) {
		case *File:
			out = append(out, entry{src: v.Path(), name: name})
		case *Dir:
			for _, c := range v.Children() {
				walk(c, name)
			}
		}
	}
	walk(t.Root, "")
	return out
}

// WriteZip streams the bundle to w as a deflated zip archive.
func (t *Tree) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)

	for _, e := range t.entries() {
		if err := addEntry(zw, e); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("bundle: finalize archive: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, e entry) error {
	src, err := os.Open(e.src)
	if err != nil {
		return fmt.Errorf("bundle: open %s: %w", e.src, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("bundle: stat %s: %w", e.src, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("bundle: header for %s: %w", e.name, err)
	}
	hdr.Name = e.name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("bundle: add %s: %w", e.name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("bundle: write %s: %w", e.name, err)
	}
	return nil
}
