package rootfscache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxSymlinkHops = 40

// mountpoints must exist in every rootfs so the runtime can mount over them.
var mountpoints = []string{"dev", "proc", "run", "sys", "tmp"}

// extractTree unpacks a flattened image tar into root and returns the number
// of regular-file bytes written.
func extractTree(root string, stream io.Reader) (int64, error) {
	var total int64
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read rootfs tar stream: %w", err)
		}

		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return total, err
		}
		if target == root {
			continue
		}
		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return total, fmt.Errorf("create directory %q: %w", hdr.Name, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			n, err := writeFile(target, tr, mode)
			total += n
			if err != nil {
				return total, fmt.Errorf("write file %q: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, fmt.Errorf("create parent of symlink %q: %w", hdr.Name, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return total, fmt.Errorf("create symlink %q -> %q: %w", hdr.Name, hdr.Linkname, err)
			}
		case tar.TypeLink:
			source, err := entryPath(root, hdr.Linkname)
			if err != nil {
				return total, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, fmt.Errorf("create parent of hard link %q: %w", hdr.Name, err)
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return total, fmt.Errorf("create hard link %q -> %q: %w", hdr.Name, hdr.Linkname, err)
			}
		default:
			// Device nodes and fifos are provided by the runtime.
		}
	}

	for _, dir := range mountpoints {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return total, fmt.Errorf("prepare rootfs directory %q: %w", dir, err)
		}
	}
	return total, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// entryPath maps a tar entry name into root. Parent components that are
// symlinks are followed, and the entry is refused if following them leaves
// root.
func entryPath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing tar entry with unsafe path %q", name)
	}

	parent, err := resolveParent(root, filepath.Dir(clean), 0)
	if err != nil {
		return "", fmt.Errorf("refusing tar entry %q: %w", name, err)
	}
	return filepath.Join(parent, filepath.Base(clean)), nil
}

func resolveParent(root, rel string, hops int) (string, error) {
	current := root
	if rel == "." {
		return current, nil
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		next := filepath.Join(current, part)
		if !within(root, next) {
			return "", fmt.Errorf("path leaves rootfs")
		}
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			current = next
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			current = next
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("too many symlinks")
		}
		link, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(link) {
			return "", fmt.Errorf("write through absolute symlink %q", link)
		}
		resolved := filepath.Clean(filepath.Join(current, link))
		if !within(root, resolved) {
			return "", fmt.Errorf("symlink %q leaves rootfs", link)
		}
		rest, err := filepath.Rel(root, resolved)
		if err != nil {
			return "", err
		}
		current, err = resolveParent(root, rest, hops)
		if err != nil {
			return "", err
		}
	}
	return current, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
