package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const archiveSuffix = ".tar.gz"

var apiEndpoint = regexp.MustCompile(`^(https?://)api\.(.+)$`)

// Package identifies a deployable archive staged on local disk.
type Package struct {
	ID          string
	Name        string
	FileName    string
	Path        string
	Cwd         string
	Destination string
}

// NewPackage describes the archive at path. endpoint is the target API URL
// used to derive the destination.
func NewPackage(id, path, endpoint string) (Package, error) {
	if strings.TrimSpace(path) == "" {
		return Package{}, fmt.Errorf("package path required")
	}
	abs, err := absPath(path)
	if err != nil {
		return Package{}, err
	}
	fileName := filepath.Base(abs)
	name := PackageName(fileName)
	return Package{
		ID:          id,
		Name:        name,
		FileName:    fileName,
		Path:        abs,
		Cwd:         filepath.Dir(abs),
		Destination: Destination(endpoint, name),
	}, nil
}

// ArchiveName returns the blob key of the archive for a package name.
func ArchiveName(name string) string {
	return name + archiveSuffix
}

// PackageName strips up to two extensions from a file name: foo.tar.gz and
// foo-1.2.tar.gz become foo and foo-1.2.
func PackageName(fileName string) string {
	name := filepath.Base(fileName)
	for i := 0; i < 2; i++ {
		name = stripExt(name)
	}
	return name
}

// stripExt drops the last extension; leading dots do not start one.
func stripExt(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || strings.Trim(name[:idx], ".") == "" {
		return name
	}
	return name[:idx]
}

// Destination turns scheme://api.<rest> into scheme://<name>.<rest>. Endpoints
// of any other shape yield an empty string.
func Destination(endpoint, name string) string {
	m := apiEndpoint.FindStringSubmatch(strings.Trim(endpoint, "/"))
	if m == nil {
		return ""
	}
	return m[1] + name + "." + m[2]
}

func absPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve package path: %w", err)
	}
	return abs, nil
}
