package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Pack writes a tar of src, a file or directory. Entry names are relative
// to src's parent, so packing /ws/snapshots yields snapshots/....
func Pack(w io.Writer, src string) error {
	tw := tar.NewWriter(w)

	src = filepath.Clean(src)
	base := filepath.Dir(src)

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("packing %s: %w", src, err)
	}

	return tw.Close()
}

// Unpack extracts a tar below dst and returns the number of regular
// files written. Names are resolved inside dst, so entries cannot
// escape it through .. or symlinks.
func Unpack(r io.Reader, dst string) (int, error) {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, err
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading archive: %w", err)
		}

		target, err := securejoin.SecureJoin(dst, hdr.Name)
		if err != nil {
			return files, fmt.Errorf("resolving %s: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0777|0600)
			if err != nil {
				return files, err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return files, fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			files++

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return files, err
			}

		default:
			// devices, fifos and hard links have no place in a workspace
		}
	}
}

// Prefix rewrites every entry of a tar to live below prefix.
func Prefix(r io.Reader, prefix string) io.ReadCloser {
	prefix = strings.Trim(path.Clean(filepath.ToSlash(prefix)), "/")
	if prefix == "" || prefix == "." {
		return io.NopCloser(r)
	}

	pr, pw := io.Pipe()
	go func() {
		tr := tar.NewReader(r)
		tw := tar.NewWriter(pw)

		// parent directories of the prefix
		parts := strings.Split(prefix, "/")
		for i := range parts {
			err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     strings.Join(parts[:i+1], "/") + "/",
				Mode:     0755,
			})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}

		pw.CloseWithError(rewrite(tr, tw, func(name string) string {
			return prefix + "/" + name
		}))
	}()
	return pr
}

// Concat merges several tar streams into one.
func Concat(w io.Writer, streams ...io.Reader) error {
	tw := tar.NewWriter(w)
	for _, s := range streams {
		if err := copyEntries(tar.NewReader(s), tw, func(n string) string { return n }); err != nil {
			return err
		}
	}
	return tw.Close()
}

func rewrite(tr *tar.Reader, tw *tar.Writer, name func(string) string) error {
	if err := copyEntries(tr, tw, name); err != nil {
		return err
	}
	return tw.Close()
}

func copyEntries(tr *tar.Reader, tw *tar.Writer, name func(string) string) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		hdr.Name = name(hdr.Name)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}
}

// Entries lists the regular files in a tar.
func Entries(r io.Reader) ([]string, error) {
	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
}
