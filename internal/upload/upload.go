// Package upload sends packaged artifacts to the target the remote agent hands out.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
)

const (
	// ContentTypeZip is the content type of every artifact.
	ContentTypeZip = "application/zip"
	// ChecksumHeader carries the base64 SHA-256 of the artifact.
	ChecksumHeader = "x-amz-checksum-sha256"

	defaultTimeout = 5 * time.Minute
)

// Uploader transfers an artifact to an upload target.
type Uploader interface {
	Upload(ctx context.Context, target remote.UploadTarget, artifact packager.Artifact) error
}

// HTTPUploader PUTs artifacts to http(s) targets and copies them for file:// targets.
type HTTPUploader struct {
	client *http.Client
}

// NewHTTPUploader returns an uploader. A nil client gets a default with a timeout.
func NewHTTPUploader(client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPUploader{client: client}
}

// Upload implements Uploader. Network failures and 5xx responses are
// transient; 4xx responses are domain errors.
func (u *HTTPUploader) Upload(ctx context.Context, target remote.UploadTarget, artifact packager.Artifact) error {
	parsed, err := url.Parse(strings.TrimSpace(target.URL))
	if err != nil {
		return policy.Domain(policy.OpUploadArtifact, "invalid upload url", err)
	}
	switch parsed.Scheme {
	case "file":
		return copyToFile(parsed.Path, artifact)
	case "http", "https":
		return u.put(ctx, parsed.String(), target.Headers, artifact)
	default:
		return policy.Domain(policy.OpUploadArtifact, fmt.Sprintf("unsupported upload scheme %q", parsed.Scheme), nil)
	}
}

func (u *HTTPUploader) put(ctx context.Context, target string, headers map[string]string, artifact packager.Artifact) error {
	// #nosec G304 -- artifact paths are produced by the packager.
	file, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return policy.Domain(policy.OpUploadArtifact, "build upload request", err)
	}
	req.ContentLength = artifact.Size
	req.Header.Set("Content-Type", ContentTypeZip)
	req.Header.Set(ChecksumHeader, artifact.Checksum)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return policy.Transient(policy.OpUploadArtifact, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return policy.Transient(policy.OpUploadArtifact, fmt.Errorf("upload returned %s", resp.Status))
	default:
		return policy.Domain(policy.OpUploadArtifact,
			fmt.Sprintf("upload rejected with %s", resp.Status),
			errors.New(strings.TrimSpace(string(body))))
	}
}

func copyToFile(dest string, artifact packager.Artifact) error {
	if dest == "" {
		return policy.Domain(policy.OpUploadArtifact, "file upload target has no path", nil)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}
	// #nosec G304 -- artifact paths are produced by the packager.
	in, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	// #nosec G304 -- dest comes from an upload target minted by the local agent.
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	return out.Close()
}

// DeleteArtifact removes the temporary artifact. A missing file is not an error.
func DeleteArtifact(artifact packager.Artifact) error {
	if artifact.Path == "" {
		return nil
	}
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
