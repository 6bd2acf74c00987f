package fileutil

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	// PrivateFileMode grants owner to read/write a file.
	PrivateFileMode = 0600
	// PrivateDirMode grants owner to make/remove files inside directory.
	PrivateDirMode = 0700
)

// IsDirWriteable checks if dir is writable by writing and removing a file
// to dir. It returns nil if dir is writable.
func IsDirWriteable(dir string) error {
	f := filepath.Join(dir, ".touch")
	if err := ioutil.WriteFile(f, []byte(""), PrivateFileMode); err != nil {
		return err
	}
	return os.Remove(f)
}

// TouchDirAll is similar to os.MkDirAll. It creates directories with 0700
// permission if any directory does not exists. TouchDirAll also ensures the
// given directory is writable. An existing directory with a different
// permission is used as is, with a warning.
func TouchDirAll(lg *zap.Logger, dir string) error {
	if lg == nil {
		lg = zap.NewNop()
	}
	// If path is already a directory, MkdirAll does nothing and returns nil.
	// So, first check if dir exist with an expected permission mode.
	if Exist(dir) {
		if err := CheckDirPermission(dir, PrivateDirMode); err != nil {
			lg.Warn("check file permission", zap.Error(err))
		}
		return IsDirWriteable(dir)
	}

	err := os.MkdirAll(dir, PrivateDirMode)
	if err != nil {
		// if mkdirAll("a/text") and "text" is not a directory,
		// this will return syscall.ENOTDIR
		return err
	}
	return IsDirWriteable(dir)
}

// Exist returns true if a file or directory exists.
func Exist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// CheckDirPermission checks permission on an existing dir.
// Returns error if dir is empty or exist with a different permission than specified
func CheckDirPermission(dir string, perm os.FileMode) error {
	if !Exist(dir) {
		return fmt.Errorf("directory %q empty, can not check permission", dir)
	}

	// check the existing permission on the directory
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return err
	}

	dirMode := dirInfo.Mode().Perm()
	if dirMode != perm {
		err = fmt.Errorf("directory %q,%q exist without desired file permission %q",
			dir, dirInfo.Mode(), perm)
		return err
	}
	return nil
}
