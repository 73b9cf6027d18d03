package engine

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/roko"
	"github.com/klauspost/compress/gzip"
)

// extractArtifact unpacks a gzipped tar into destDir. Transient failures are
// retried; partial output from a failed attempt is removed before the next.
func extractArtifact(ctx context.Context, archivePath, destDir string) error {
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(300*time.Millisecond)),
	).DoWithContext(ctx, func(_ *roko.Retrier) error {
		if err := os.RemoveAll(destDir); err != nil {
			return fmt.Errorf("failed to reset build directory: %w", err)
		}
		return untar(archivePath, destDir)
	})
	if err != nil {
		return fmt.Errorf("failed to extract artifact: %w", err)
	}
	return nil
}

func untar(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeRegular(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to write %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := writeSymlink(destDir, target, hdr.Linkname); err != nil {
				return err
			}
		default:
			// Hard links, devices and the like have no business in a build
			// artifact.
		}
	}
}

// securePath joins an archive entry name onto destDir, rejecting entries
// that would land outside it.
func securePath(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	target := filepath.Join(destDir, name)
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the build directory", name)
	}
	return target, nil
}

func writeRegular(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeSymlink(destDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("symlink %q has an absolute target", target)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != destDir && !strings.HasPrefix(resolved, destDir+string(os.PathSeparator)) {
		return fmt.Errorf("symlink %q escapes the build directory", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	return os.Symlink(linkname, target)
}
