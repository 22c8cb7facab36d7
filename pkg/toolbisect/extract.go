package toolbisect

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
)

// archiveExtensions are the archive formats artifact sources may serve, in order of preference
var archiveExtensions = []string{".tar.xz", ".tar.gz"}

// archiveExtension returns the archive extension of the passed location, defaulting to .tar.gz
func archiveExtension(location string) string {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(location, ext) {
			return ext
		}
	}
	return ".tar.gz"
}

type extractRules struct {
	stripPrefix   string
	installPrefix string
}

// relocate maps an archive entry path, with its container directory already stripped, to its install path.
// The returned boolean is false if the entry is not to be installed.
func (r extractRules) relocate(name string) (string, bool) {
	if r.stripPrefix == "" {
		return name, true
	}
	if name != r.stripPrefix && !strings.HasPrefix(name, r.stripPrefix+"/") {
		return "", false
	}
	return path.Join(r.installPrefix, strings.TrimPrefix(name, r.stripPrefix)), true
}

// extractArchive unpacks a compressed tarball into dest.
// The top-level container directory of every entry is dropped, as toolchain tarballs wrap their contents in one.
func extractArchive(r io.Reader, dest string, rules extractRules) error {
	decompressed, err := archive.DecompressStream(r)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to decompress archive"), err)
	}
	defer decompressed.Close()

	tr := tar.NewReader(decompressed)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		_, name, found := strings.Cut(name, "/")
		if !found || name == "" {
			continue
		}
		name, ok := rules.relocate(name)
		if !ok {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if !isWithin(dest, target) {
			return fmt.Errorf("archive entry %s escapes the install directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if !isWithin(dest, filepath.Join(filepath.Dir(target), header.Linkname)) {
				return fmt.Errorf("symlink %s points outside of the install directory", header.Name)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			_, linkName, _ := strings.Cut(path.Clean(header.Linkname), "/")
			linkName, ok := rules.relocate(linkName)
			if !ok {
				continue
			}
			source := filepath.Join(dest, filepath.FromSlash(linkName))
			if !isWithin(dest, source) {
				return fmt.Errorf("hard link %s points outside of the install directory", header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// isWithin reports whether target lies within dir
func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
