//go:build unix

package testfs

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// reapedFile is a host file's identity and content, grouped by inode so
// hardlinked paths are reported together the way a codec's hardlink
// detection is expected to group them.
type reapedFile struct {
	Path  []string
	Inode uint64
	Data  []byte
}

type reapedSymlink struct {
	Path   string
	Target string
}

// reapTree walks root and reports every regular file (grouped by
// inode) and symlink found under it, relative to root.
func reapTree(root string) (files []reapedFile, symlinks []reapedSymlink, err error) {
	byInode := map[uint64]*reapedFile{}

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, linkErr := os.Readlink(path)
			if linkErr != nil {
				return fmt.Errorf("readlink %s: %w", path, linkErr)
			}
			symlinks = append(symlinks, reapedSymlink{Path: rel, Target: target})
			return nil
		}
		if info.IsDir() {
			return nil
		}

		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("cannot stat %s", path)
		}
		if existing, ok := byInode[stat.Ino]; ok {
			existing.Path = append(existing.Path, rel)
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", path, readErr)
		}
		byInode[stat.Ino] = &reapedFile{Path: []string{rel}, Inode: stat.Ino, Data: data}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for _, rf := range byInode {
		files = append(files, *rf)
	}
	return files, symlinks, nil
}
