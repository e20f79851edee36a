// Package packager zips a workspace into an upload artifact.
package packager

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskassist/featuredev/internal/policy"
)

// Artifact is a packaged workspace on local disk. Checksum is the base64
// SHA-256 of the zip bytes.
type Artifact struct {
	Path     string
	Checksum string
	Size     int64
}

// Packager produces an artifact for upload.
type Packager interface {
	PackageWorkspace(ctx context.Context) (Artifact, error)
}

// ZipPackager zips every non-ignored regular file under Root.
type ZipPackager struct {
	root     string
	maxBytes int64
	ignore   []string
	tempDir  string
}

// Option configures a ZipPackager.
type Option func(*ZipPackager)

// WithMaxBytes sets the project size ceiling.
func WithMaxBytes(limit int64) Option {
	return func(p *ZipPackager) {
		if limit > 0 {
			p.maxBytes = limit
		}
	}
}

// WithIgnorePatterns sets glob patterns matched against base names and
// slash-separated relative paths.
func WithIgnorePatterns(patterns []string) Option {
	return func(p *ZipPackager) {
		p.ignore = append([]string(nil), patterns...)
	}
}

// WithTempDir sets where artifacts are written. Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(p *ZipPackager) {
		p.tempDir = dir
	}
}

// NewZipPackager returns a packager for root.
func NewZipPackager(root string, options ...Option) *ZipPackager {
	p := &ZipPackager{
		root:     root,
		maxBytes: policy.MaxProjectSizeBytes,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Root returns the workspace root being packaged.
func (p *ZipPackager) Root() string {
	return p.root
}

// PackageWorkspace zips the workspace. A project over the size ceiling fails
// with a policy.SizeExceeded error and leaves no artifact behind.
func (p *ZipPackager) PackageWorkspace(ctx context.Context) (artifact Artifact, err error) {
	files, total, err := p.collect(ctx)
	if err != nil {
		return Artifact{}, err
	}
	if total > p.maxBytes {
		return Artifact{}, policy.SizeExceeded(total, p.maxBytes)
	}

	if p.tempDir != "" {
		if err := os.MkdirAll(p.tempDir, 0o750); err != nil {
			return Artifact{}, fmt.Errorf("create artifact directory: %w", err)
		}
	}
	out, err := os.CreateTemp(p.tempDir, "featuredev-*.zip")
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact: %w", err)
	}
	defer func() {
		closeErr := out.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close artifact: %w", closeErr)
		}
		if err != nil {
			_ = os.Remove(out.Name())
			artifact = Artifact{}
		}
	}()

	digest := sha256.New()
	counter := &countingWriter{}
	archive := zip.NewWriter(io.MultiWriter(out, digest, counter))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return Artifact{}, err
		}
		if err := addFile(archive, p.root, rel); err != nil {
			return Artifact{}, err
		}
	}
	if err := archive.Close(); err != nil {
		return Artifact{}, fmt.Errorf("finalize artifact: %w", err)
	}
	if counter.n > p.maxBytes {
		return Artifact{}, policy.SizeExceeded(counter.n, p.maxBytes)
	}

	return Artifact{
		Path:     out.Name(),
		Checksum: encodeChecksum(digest),
		Size:     counter.n,
	}, nil
}

func (p *ZipPackager) collect(ctx context.Context) ([]string, int64, error) {
	info, err := os.Stat(p.root)
	if err != nil {
		return nil, 0, fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("workspace %q is not a directory", p.root)
	}

	var files []string
	var total int64
	err = filepath.WalkDir(p.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if p.ignored(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		fileInfo, err := entry.Info()
		if err != nil {
			return err
		}
		total += fileInfo.Size()
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk workspace: %w", err)
	}
	return files, total, nil
}

func (p *ZipPackager) ignored(rel string) bool {
	base := pathBase(rel)
	for _, pattern := range p.ignore {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func addFile(archive *zip.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	// #nosec G304 -- path is a regular file found by walking the workspace root.
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer in.Close()

	writer, err := archive.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("add %s: %w", rel, err)
	}
	if _, err := io.Copy(writer, in); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ReadArchive returns the path -> content map of a zip artifact.
func ReadArchive(path string) (map[string]string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer reader.Close()

	contents := make(map[string]string, len(reader.File))
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		contents[file.Name] = string(data)
	}
	return contents, nil
}

// Checksum returns the base64 SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	// #nosec G304 -- callers pass artifact paths they created.
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	return encodeChecksum(digest), nil
}

// ResolveSourceFolder validates a user's folder choice against the workspace
// root and returns its absolute path.
func ResolveSourceFolder(root, selected string) (string, error) {
	if strings.TrimSpace(selected) == "" {
		return "", policy.WorkspaceSelection(policy.ClosedBeforeSelection)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	absSelected := selected
	if !filepath.IsAbs(absSelected) {
		absSelected = filepath.Join(absRoot, selected)
	}
	absSelected = filepath.Clean(absSelected)

	rel, err := filepath.Rel(absRoot, absSelected)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", policy.WorkspaceSelection(policy.NotInWorkspaceFolder)
	}
	info, err := os.Stat(absSelected)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", policy.WorkspaceSelection(policy.NotInWorkspaceFolder)
		}
		return "", fmt.Errorf("stat source folder: %w", err)
	}
	if !info.IsDir() {
		return "", policy.WorkspaceSelection(policy.NotInWorkspaceFolder)
	}
	return absSelected, nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func encodeChecksum(digest hash.Hash) string {
	return base64.StdEncoding.EncodeToString(digest.Sum(nil))
}

func pathBase(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}
