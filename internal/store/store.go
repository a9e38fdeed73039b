// internal/store/store.go
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"

	"envtracker/internal/history"
)

// Files kept in an environment directory
const (
	HistoryFile  = "history.yaml"
	EnvFile      = "conda-env.yaml"
	InstallRFile = "install.R"
	RemoteFile   = "remote.txt"
)

// SharedFiles are published to the remote on push
var SharedFiles = []string{EnvFile, HistoryFile, InstallRFile}

// ErrRemoteNotConfigured is returned when no remote directory was set
var ErrRemoteNotConfigured = fmt.Errorf("remote directory not configured: %w", errdefs.ErrNotFound)

const filePerm = 0o644

// Dir is an environment directory, local or remote
type Dir struct {
	path string
}

// Open returns the directory at path, creating it when missing
func Open(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create env directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// At returns the directory at path without creating it. Reads of a missing
// directory behave like reads of an empty one.
func At(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the absolute directory path
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) file(name string) string {
	return filepath.Join(d.path, name)
}

// Exists reports whether the named file is present
func (d *Dir) Exists(name string) bool {
	info, err := os.Stat(d.file(name))
	return err == nil && info.Mode().IsRegular()
}

// ReadFile reads a file of the directory
func (d *Dir) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.file(name))
}

// WriteFile atomically replaces a file of the directory
func (d *Dir) WriteFile(name string, data []byte) error {
	if err := atomicWriteFile(d.file(name), data, filePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// RemoveFile deletes a file; a missing file is not an error
func (d *Dir) RemoveFile(name string) error {
	if err := os.Remove(d.file(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// ReadHistory loads history.yaml. It returns history.ErrNotFound when the
// directory has none.
func (d *Dir) ReadHistory() (*history.History, error) {
	data, err := d.ReadFile(HistoryFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, history.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	h, err := history.Unmarshal(data)
	if err != nil {
		var pe *history.ParseError
		if errors.As(err, &pe) {
			pe.Path = d.file(HistoryFile)
		}
		return nil, err
	}
	return h, nil
}

// WriteHistory persists the history
func (d *Dir) WriteHistory(h *history.History) error {
	data, err := history.Marshal(h)
	if err != nil {
		return err
	}
	return d.WriteFile(HistoryFile, data)
}

// RemoteDir returns the configured remote directory
func (d *Dir) RemoteDir() (string, error) {
	data, err := d.ReadFile(RemoteFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrRemoteNotConfigured
		}
		return "", fmt.Errorf("failed to read remote: %w", err)
	}
	dir := strings.TrimSpace(string(data))
	if dir == "" {
		return "", ErrRemoteNotConfigured
	}
	return dir, nil
}

// SetRemoteDir records the remote directory as an absolute path
func (d *Dir) SetRemoteDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve remote %s: %w", dir, err)
	}
	return d.WriteFile(RemoteFile, []byte(abs))
}

// Files returns the regular top-level files of the directory
func (d *Dir) Files() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.path, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CopyTo publishes the shared files into dst. Files present only in dst
// are left alone.
func (d *Dir) CopyTo(dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	for _, name := range SharedFiles {
		data, err := d.ReadFile(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := atomicWriteFile(filepath.Join(dst, name), data, filePerm); err != nil {
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}
	return nil
}

// OverwriteFrom replaces the directory contents with the files of src.
// Local files with no counterpart in src are kept. The new contents are
// staged next to the directory and swapped in, so a failure leaves the
// directory as it was.
func (d *Dir) OverwriteFrom(src string) error {
	parent := filepath.Dir(d.path)
	base := filepath.Base(d.path)

	staging, err := os.MkdirTemp(parent, "."+base+"-staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to chmod staging directory: %w", err)
	}

	srcDir := &Dir{path: src}
	srcFiles, err := srcDir.Files()
	if err != nil {
		return err
	}
	copied := make(map[string]bool, len(srcFiles))
	for _, name := range srcFiles {
		if name == RemoteFile {
			continue
		}
		if err := copyFile(filepath.Join(src, name), filepath.Join(staging, name)); err != nil {
			return err
		}
		copied[name] = true
	}

	localFiles, err := d.Files()
	if err != nil {
		return err
	}
	for _, name := range localFiles {
		if copied[name] {
			continue
		}
		if err := copyFile(d.file(name), filepath.Join(staging, name)); err != nil {
			return err
		}
	}

	old := filepath.Join(parent, "."+base+"-old")
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to clear previous swap: %w", err)
	}
	if err := os.Rename(d.path, old); err != nil {
		return fmt.Errorf("failed to move env directory aside: %w", err)
	}
	if err := os.Rename(staging, d.path); err != nil {
		if rerr := os.Rename(old, d.path); rerr != nil {
			return fmt.Errorf("failed to swap env directory: %w (restore failed: %v)", err, rerr)
		}
		return fmt.Errorf("failed to swap env directory: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to remove previous env directory: %w", err)
	}
	return syncDir(parent)
}

// Delete removes the directory and everything in it
func (d *Dir) Delete() error {
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", d.path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
