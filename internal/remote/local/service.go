// Package local runs the remote agent contract in-process: uploads land in a
// staging directory and code generation jobs are answered by an LLM.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/logging"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
)

const (
	defaultJobTimeout     = 10 * time.Minute
	defaultMaxPromptBytes = 512 * 1024
)

// Service implements remote.Client on top of a Generator.
type Service struct {
	generator      Generator
	stagingDir     string
	quota          int
	jobTimeout     time.Duration
	maxPromptBytes int
	retries        int
	backoff        time.Duration
	logger         *log.Logger
	newID          func() string

	mu            sync.Mutex
	conversations map[string]*conversation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type conversation struct {
	id      string
	uploads map[string]stagedUpload
	jobs    map[string]*job
	started int
	archive []byte
}

type stagedUpload struct {
	path     string
	checksum string
	size     int64
}

type job struct {
	id     string
	state  remote.JobState
	reason string
}

// Option configures a Service.
type Option func(*Service)

// WithStagingDir sets where uploads are staged.
func WithStagingDir(dir string) Option {
	return func(s *Service) { s.stagingDir = dir }
}

// WithQuota sets the code generation iterations allowed per conversation.
func WithQuota(quota int) Option {
	return func(s *Service) {
		if quota > 0 {
			s.quota = quota
		}
	}
}

// WithJobTimeout bounds one generation job.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

// WithGenerateRetries sets how often a transient generator failure is retried.
func WithGenerateRetries(retries int, backoff time.Duration) Option {
	return func(s *Service) {
		s.retries = retries
		s.backoff = backoff
	}
}

// WithMaxPromptBytes caps the workspace text included in a prompt.
func WithMaxPromptBytes(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxPromptBytes = limit
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService returns a service answering jobs with generator.
func NewService(generator Generator, options ...Option) *Service {
	ctx, cancelFn := context.WithCancel(context.Background())
	s := &Service{
		generator:      generator,
		stagingDir:     filepath.Join(os.TempDir(), "featuredev-staging"),
		quota:          policy.CodeGenerationRetryLimit,
		jobTimeout:     defaultJobTimeout,
		maxPromptBytes: defaultMaxPromptBytes,
		newID:          uuid.NewString,
		conversations:  make(map[string]*conversation),
		ctx:            ctx,
		cancel:         cancelFn,
	}
	for _, option := range options {
		option(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Close stops running jobs and waits for them to exit.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// CreateConversation implements remote.Client.
func (s *Service) CreateConversation(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", policy.Transient(policy.OpCreateConversation, err)
	}
	id := s.newID()
	s.mu.Lock()
	s.conversations[id] = &conversation{
		id:      id,
		uploads: make(map[string]stagedUpload),
		jobs:    make(map[string]*job),
	}
	s.mu.Unlock()
	s.logger.Info("conversation created", "conversation_id", id)
	return id, nil
}

// CreateUploadURL implements remote.Client. Targets are file:// paths under
// the staging directory.
func (s *Service) CreateUploadURL(ctx context.Context, req remote.UploadRequest) (remote.UploadTarget, error) {
	if err := ctx.Err(); err != nil {
		return remote.UploadTarget{}, policy.Transient(policy.OpCreateUploadURL, err)
	}
	if strings.TrimSpace(req.Checksum) == "" {
		return remote.UploadTarget{}, policy.Domain(policy.OpCreateUploadURL, "artifact checksum is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookupLocked(policy.OpCreateUploadURL, req.ConversationID)
	if err != nil {
		return remote.UploadTarget{}, err
	}
	uploadID := s.newID()
	dest, err := filepath.Abs(filepath.Join(s.stagingDir, conv.id, uploadID+".zip"))
	if err != nil {
		return remote.UploadTarget{}, fmt.Errorf("resolve staging path: %w", err)
	}
	conv.uploads[uploadID] = stagedUpload{path: dest, checksum: req.Checksum, size: req.Size}
	return remote.UploadTarget{
		URL:      "file://" + filepath.ToSlash(dest),
		UploadID: uploadID,
	}, nil
}

// StartCodeGeneration implements remote.Client. The conversation quota is
// enforced here; exceeding it is a domain error.
func (s *Service) StartCodeGeneration(ctx context.Context, req remote.StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", policy.Transient(policy.OpStartCodeGeneration, err)
	}
	if strings.TrimSpace(req.Task) == "" || strings.TrimSpace(req.Message) == "" {
		return "", policy.Domain(policy.OpStartCodeGeneration, "task and message are required", nil)
	}
	if req.Intent != remote.IntentDevelopment {
		return "", policy.Domain(policy.OpStartCodeGeneration, fmt.Sprintf("unsupported intent %q", req.Intent), nil)
	}

	s.mu.Lock()
	conv, err := s.lookupLocked(policy.OpStartCodeGeneration, req.ConversationID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	staged, ok := conv.uploads[req.UploadID]
	if !ok {
		s.mu.Unlock()
		return "", policy.Domain(policy.OpStartCodeGeneration, fmt.Sprintf("unknown upload %q", req.UploadID), nil)
	}
	if conv.started >= s.quota {
		s.mu.Unlock()
		return "", policy.Domain(policy.OpStartCodeGeneration,
			fmt.Sprintf("code generation limit of %d reached for this conversation", s.quota), nil)
	}
	conv.started++
	delete(conv.uploads, req.UploadID)
	current := &job{id: s.newID(), state: remote.JobInProgress}
	conv.jobs[current.id] = current
	s.mu.Unlock()

	s.logger.Info("code generation started",
		"conversation_id", conv.id,
		"job_id", current.id,
		"iteration", conv.started)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(conv.id, current.id, staged, req)
	}()
	return current.id, nil
}

// GetCodeGenerationStatus implements remote.Client.
func (s *Service) GetCodeGenerationStatus(ctx context.Context, conversationID, jobID string) (remote.Status, error) {
	if err := ctx.Err(); err != nil {
		return remote.Status{}, policy.Transient(policy.OpGetCodeGeneration, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.lookupLocked(policy.OpGetCodeGeneration, conversationID)
	if err != nil {
		return remote.Status{}, err
	}
	current, ok := conv.jobs[jobID]
	if !ok {
		return remote.Status{}, policy.Domain(policy.OpGetCodeGeneration, fmt.Sprintf("unknown job %q", jobID), nil)
	}
	remaining := s.quota - conv.started
	total := s.quota
	return remote.Status{
		State:     current.state,
		Remaining: &remaining,
		Total:     &total,
		Reason:    current.reason,
	}, nil
}

// ExportResultArchive implements remote.Client.
func (s *Service) ExportResultArchive(ctx context.Context, conversationID string) (codegen.RawResult, error) {
	if err := ctx.Err(); err != nil {
		return codegen.RawResult{}, policy.Transient(policy.OpExportArchiveResult, err)
	}
	s.mu.Lock()
	conv, err := s.lookupLocked(policy.OpExportArchiveResult, conversationID)
	var archive []byte
	if err == nil {
		archive = conv.archive
	}
	s.mu.Unlock()
	if err != nil {
		return codegen.RawResult{}, err
	}
	if len(archive) == 0 {
		return codegen.RawResult{}, policy.Domain(policy.OpExportArchiveResult, "no code generation result to export", nil)
	}
	return codegen.ParseArchive(archive)
}

func (s *Service) lookupLocked(op policy.Operation, conversationID string) (*conversation, error) {
	conv, ok := s.conversations[strings.TrimSpace(conversationID)]
	if !ok {
		return nil, policy.Domain(op, fmt.Sprintf("unknown conversation %q", conversationID), nil)
	}
	return conv, nil
}

func (s *Service) run(conversationID, jobID string, staged stagedUpload, req remote.StartRequest) {
	ctx, cancelFn := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancelFn()
	defer func() {
		if err := os.Remove(staged.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("staged upload cleanup failed", "path", staged.path, "error", err)
		}
	}()

	archive, err := s.generate(ctx, conversationID, staged, req)
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[conversationID]
	current := conv.jobs[jobID]
	if err != nil {
		current.state = remote.JobFailed
		current.reason = policy.ReasonOf(err)
		s.logger.Warn("code generation failed", "conversation_id", conversationID, "job_id", jobID, "error", err)
		return
	}
	conv.archive = archive
	current.state = remote.JobComplete
	s.logger.Info("code generation complete", "conversation_id", conversationID, "job_id", jobID)
}

func (s *Service) generate(ctx context.Context, conversationID string, staged stagedUpload, req remote.StartRequest) ([]byte, error) {
	checksum, err := packager.Checksum(staged.path)
	if err != nil {
		return nil, fmt.Errorf("uploaded artifact is missing: %w", err)
	}
	if checksum != staged.checksum {
		return nil, errors.New("uploaded artifact does not match its checksum")
	}
	files, err := packager.ReadArchive(staged.path)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(req.Task, req.Message, files, s.maxPromptBytes)
	text, err := remote.Retry(ctx, remote.RetryOptions{
		Retries: s.retries,
		Backoff: s.backoff,
		Op:      policy.OpGenerateCode,
	}, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, GenerateRequest{
			ConversationID: conversationID,
			System:         systemPrompt,
			Prompt:         prompt,
		})
	})
	if err != nil {
		return nil, err
	}

	raw, err := parseChangeSet(text)
	if err != nil {
		return nil, err
	}
	archive, err := json.Marshal(codegen.ArchiveResult{CodeGenerationResult: raw})
	if err != nil {
		return nil, fmt.Errorf("encode result archive: %w", err)
	}
	return archive, nil
}

const systemPrompt = `You are a software development agent. You receive a task, a request and the files of a project.
Return ONLY a JSON object with these fields:
- "new_file_contents": an object mapping each relative file path you add or rewrite to its complete new content
- "deleted_files": an array of relative file paths to delete
- "references": an array of objects {"licenseName", "repository", "url"} for any code you reproduced from a licensed source, otherwise []

Rules:
- Paths are relative to the project root and use forward slashes
- Include the full content of every file you change, not a diff
- Return valid JSON only, no markdown fencing or explanation`

func buildPrompt(task, message string, files map[string]string, limit int) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString("\n\nRequest:\n")
	sb.WriteString(message)
	sb.WriteString("\n\nProject files:\n")

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	omitted := 0
	for _, name := range names {
		entry := fmt.Sprintf("\n=== %s ===\n%s\n", name, files[name])
		if sb.Len()+len(entry) > limit {
			omitted++
			continue
		}
		sb.WriteString(entry)
	}
	if omitted > 0 {
		fmt.Fprintf(&sb, "\n(%d files omitted for size)\n", omitted)
	}
	return sb.String()
}

// parseChangeSet decodes model output into a raw result, dropping paths that
// would escape the project root.
func parseChangeSet(text string) (codegen.RawResult, error) {
	text = stripFencing(text)
	var raw codegen.RawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return codegen.RawResult{}, fmt.Errorf("model output is not a valid change set: %w", err)
	}

	kept := raw.NewFileContents[:0]
	for _, file := range raw.NewFileContents {
		if safePath(file.Path) {
			kept = append(kept, file)
		}
	}
	raw.NewFileContents = kept

	deleted := raw.DeletedFiles[:0]
	for _, name := range raw.DeletedFiles {
		if safePath(name) {
			deleted = append(deleted, name)
		}
	}
	raw.DeletedFiles = deleted
	return raw, nil
}

func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func safePath(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	cleaned := path.Clean(name)
	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

var _ remote.Client = (*Service)(nil)
