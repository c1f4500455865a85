// Package profile snapshots the browser profile directory into a tar.gz
// archive and restores it, so a signed-in profile survives a fresh host or
// container.
package profile

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// skipped are Chrome's per-process lock files; restoring them makes the next
// launch think the profile is in use.
var skipped = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
}

// Archive is a profile snapshot stored at one path
type Archive struct {
	path string
	log  *zap.Logger
}

// NewArchive creates a new Archive
func NewArchive(path string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{path: path, log: logger}
}

// Path returns where the snapshot is stored
func (a *Archive) Path() string {
	return a.path
}

// Restore extracts the snapshot into profileDir. Nothing happens when there
// is no snapshot yet or profileDir already has content; the bool reports
// whether anything was restored.
func (a *Archive) Restore(profileDir string) (bool, error) {
	if _, err := os.Stat(a.path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	entries, err := os.ReadDir(profileDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to read profile directory: %w", err)
	}
	if len(entries) > 0 {
		a.log.Info("Profile directory not empty, keeping it", zap.String("dir", profileDir))
		return false, nil
	}

	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return false, fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := extractDirectory(a.path, profileDir); err != nil {
		return false, fmt.Errorf("failed to extract profile: %w", err)
	}
	a.log.Info("Profile restored", zap.String("archive", a.path), zap.String("dir", profileDir))
	return true, nil
}

// Snapshot archives profileDir. The archive is replaced atomically.
func (a *Archive) Snapshot(profileDir string) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := compressDirectory(profileDir, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to compress profile: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store profile archive: %w", err)
	}
	a.log.Info("Profile saved", zap.String("archive", a.path))
	return nil
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) (err error) {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if skipped[info.Name()] || !(info.IsDir() || info.Mode().IsRegular()) {
			return nil
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tarWriter, f)
		return err
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// extractDirectory extracts a tar.gz archive to a directory
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	root := filepath.Clean(target) + string(os.PathSeparator)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(targetPath, root) {
			return fmt.Errorf("archive entry %q escapes %s", header.Name, target)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
