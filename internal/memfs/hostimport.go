package memfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// ImportHostFile stages a single host file (or symlink, or device node)
// into store and returns the corresponding Node. Symlinks are preserved
// as symlinks and never followed (spec.md §4.2, file-tree codec
// semantics); this is shared by the file-tree codec's Decode and by the
// injection engine's host_file/host_dir variants so both materialize
// host content identically.
func ImportHostFile(store *Store, hostPath string) (*Node, error) {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", hostPath, err)
	}

	mtime := info.ModTime()
	uid, gid := hostOwner(info)

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(hostPath)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", hostPath, err)
		}
		return NewSymlink(target, uid, gid, mtime), nil

	case info.Mode().IsRegular():
		content, err := store.StageFile(hostPath)
		if err != nil {
			return nil, err
		}
		return NewFile(content, uint32(info.Mode().Perm()), uid, gid, mtime), nil

	case info.Mode()&os.ModeDevice != 0:
		kind := DeviceChar
		if info.Mode()&os.ModeCharDevice == 0 {
			kind = DeviceBlock
		}
		major, minor := hostDeviceNumbers(info)
		return NewDevice(kind, major, minor, uint32(info.Mode().Perm()), uid, gid, mtime), nil

	default:
		return nil, fmt.Errorf("import %s: unsupported file type %v", hostPath, info.Mode())
	}
}

// ImportHostTree recursively imports hostRoot (a directory) into fs at
// destRoot, recreating the directory structure and importing every file,
// symlink, and device node it contains. Used by the file-tree codec's
// Decode and by the injection engine's host_dir variant.
func ImportHostTree(store *Store, hostRoot string, fs *MemFS, destRoot string) error {
	rootInfo, err := os.Stat(hostRoot)
	if err != nil {
		return fmt.Errorf("stat %s: %w", hostRoot, err)
	}
	if err := fs.Replace(destRoot, NewDir(uint32(rootInfo.Mode().Perm()), 0, 0, rootInfo.ModTime())); err != nil {
		return err
	}

	entries, err := os.ReadDir(hostRoot)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", hostRoot, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		hostChild := filepath.Join(hostRoot, name)
		destChild := Join(destRoot, name)

		info, err := os.Lstat(hostChild)
		if err != nil {
			return fmt.Errorf("stat %s: %w", hostChild, err)
		}
		if info.IsDir() {
			if err := ImportHostTree(store, hostChild, fs, destChild); err != nil {
				return err
			}
			continue
		}
		node, err := ImportHostFile(store, hostChild)
		if err != nil {
			return err
		}
		if err := fs.Replace(destChild, node); err != nil {
			return err
		}
	}
	return nil
}

// hostOwner extracts uid/gid from a host os.FileInfo on unix platforms.
func hostOwner(info os.FileInfo) (uid, gid uint32) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return stat.Uid, stat.Gid
}

// hostDeviceNumbers extracts major/minor device numbers from a host
// os.FileInfo on unix platforms.
func hostDeviceNumbers(info os.FileInfo) (major, minor uint32) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	rdev := uint64(stat.Rdev)
	return uint32((rdev >> 8) & 0xfff), uint32((rdev & 0xff) | ((rdev >> 12) & 0xfff00))
}
