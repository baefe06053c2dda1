// Package sysfs wraps the kernel attribute files the drivers and actions
// talk to. All paths are resolved under an overridable root so tests can
// point the whole daemon at a throwaway directory tree.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RootEnv overrides the filesystem root used to resolve sysfs and procfs
// paths. Used by tests and by mock hardware environments.
const RootEnv = "POWER_PROFILE_DAEMON_SYSFS_ROOT"

// Root returns the active filesystem root, "/" unless overridden.
func Root() string {
	if root := os.Getenv(RootEnv); root != "" {
		return root
	}
	return "/"
}

// Path joins elements under the given root.
func Path(root string, elem ...string) string {
	return filepath.Join(append([]string{root}, elem...)...)
}

// Exists reports whether the attribute file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadString reads an attribute file and trims trailing whitespace.
func ReadString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadInt reads an attribute file holding a single integer.
func ReadInt(path string) (int, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", path, err)
	}
	return n, nil
}

// WriteString writes a value to an existing attribute file. Kernel
// attributes are never created by the daemon, so a missing file is an error.
func WriteString(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	return cerr
}

// ListDir returns the entry names of a sysfs directory, or an empty slice
// if the directory does not exist.
func ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// VendorAMD is the vendor_id reported by AMD CPUs in /proc/cpuinfo.
const VendorAMD = "AuthenticAMD"

// CPUVendor returns the vendor_id of the first CPU listed in /proc/cpuinfo
// under the given root, or "" when it cannot be determined.
func CPUVendor(root string) string {
	data, err := os.ReadFile(Path(root, "proc", "cpuinfo"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "vendor_id" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
