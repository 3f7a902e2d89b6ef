package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/modsync/internal/identity"
)

// AddPackage appends pkg to category. A package whose URL or folder is
// already declared in the category is rejected with ErrDuplicatePackage.
func (c *Config) AddPackage(category string, pkg Package) error {
	pkgs, err := c.packages(category)
	if err != nil {
		return err
	}
	if pkg.URL == "" {
		return fmt.Errorf("package url is required")
	}
	switch pkg.Type {
	case "":
		pkg.Type = KindGit
	case KindGit:
	case KindContentDB:
		if _, _, ok := identity.PackageIdentity(pkg.URL); !ok {
			return fmt.Errorf("%s is not a content database package url", pkg.URL)
		}
	default:
		return fmt.Errorf("invalid type %q (must be git or contentdb)", pkg.Type)
	}

	folder, err := pkg.Folder()
	if err != nil {
		return fmt.Errorf("cannot derive a folder name from %s: %w", pkg.URL, err)
	}

	for _, existing := range *pkgs {
		if existing.URL == pkg.URL {
			return fmt.Errorf("%s is already declared in %s: %w", pkg.URL, category, ErrDuplicatePackage)
		}
		if f, err := existing.Folder(); err == nil && f == folder {
			return fmt.Errorf("folder %q is already used by %s in %s: %w", folder, existing.URL, category, ErrDuplicatePackage)
		}
	}

	*pkgs = append(*pkgs, pkg)
	return nil
}

// RemovePackage removes the package of category whose URL or folder
// equals key and returns it.
func (c *Config) RemovePackage(category, key string) (Package, error) {
	pkgs, err := c.packages(category)
	if err != nil {
		return Package{}, err
	}

	for i, pkg := range *pkgs {
		folder, _ := pkg.Folder()
		if pkg.URL != key && folder != key {
			continue
		}
		*pkgs = append((*pkgs)[:i], (*pkgs)[i+1:]...)
		return pkg, nil
	}

	return Package{}, fmt.Errorf("%s in %s: %w", key, category, ErrPackageNotFound)
}

// Save writes the configuration to path in the format its extension names.
// The file is replaced atomically.
func (c *Config) Save(path string) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}

	data, err := f.marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
