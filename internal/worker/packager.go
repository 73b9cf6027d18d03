package worker

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/thakurdotdev/deploy/internal/models"
)

// nextjsEntries is what a Next.js deployment needs at runtime: the compiled
// app, static assets, the manifest for installing runtime deps, and the
// export output when present. next.config.* is matched by glob below.
var nextjsEntries = []string{".next", "public", "package.json", "bun.lockb", "out"}

// packageExcluded is skipped when packaging backend projects whole.
var packageExcluded = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// PackageArtifact writes projectDir's deployable subset as a gzipped tar at
// dest and returns the archive size in bytes. What gets packed depends on
// the framework: vite ships only dist/, Next.js ships a fixed entry list,
// and backends ship the whole tree minus node_modules and .git so that
// source-only apps run from the artifact as-is.
func PackageArtifact(framework models.Framework, projectDir, dest string) (int64, error) {
	entries, err := collectEntries(framework, projectDir)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating artifact file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		if err := addToArchive(tw, projectDir, entry); err != nil {
			return 0, fmt.Errorf("archiving %s: %w", entry, err)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("closing tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("closing gzip: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// collectEntries resolves the top-level paths to pack, relative to
// projectDir, verifying the framework's build output actually exists.
func collectEntries(framework models.Framework, projectDir string) ([]string, error) {
	switch framework {
	case models.FrameworkVite:
		if !dirExists(filepath.Join(projectDir, "dist")) {
			return nil, fmt.Errorf("build output directory dist/ not found; did the build command run vite build?")
		}
		return []string{"dist"}, nil

	case models.FrameworkNextJS:
		var entries []string
		for _, name := range nextjsEntries {
			if pathExists(filepath.Join(projectDir, name)) {
				entries = append(entries, name)
			}
		}
		configs, err := filepath.Glob(filepath.Join(projectDir, "next.config.*"))
		if err == nil {
			for _, cfg := range configs {
				entries = append(entries, filepath.Base(cfg))
			}
		}
		if !pathExists(filepath.Join(projectDir, ".next")) && !pathExists(filepath.Join(projectDir, "out")) {
			return nil, fmt.Errorf("no Next.js build output found (.next or out)")
		}
		return entries, nil

	default:
		dirEntries, err := os.ReadDir(projectDir)
		if err != nil {
			return nil, fmt.Errorf("reading project directory: %w", err)
		}
		var entries []string
		for _, e := range dirEntries {
			if packageExcluded[e.Name()] {
				continue
			}
			entries = append(entries, e.Name())
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("nothing to package in project directory")
		}
		return entries, nil
	}
}

// addToArchive writes the file or directory tree at root/entry into tw with
// archive paths relative to root.
func addToArchive(tw *tar.Writer, root, entry string) error {
	return filepath.WalkDir(filepath.Join(root, entry), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		// Sockets, devices and other irregulars have no place in a build
		// artifact.
		if !info.Mode().IsRegular() && !info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// scrubSecret masks every occurrence of secret in s. Build output routinely
// echoes the clone URL, which may embed an installation token.
func scrubSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
