package codegen

import (
	"fmt"
	"strings"
)

// Build wraps every proposed path of raw with fresh review flags. It keeps
// input order, keeps the first occurrence of a repeated path, and never merges
// prior review decisions, so building the same input twice yields equal output.
func Build(raw RawResult) Result {
	result := Result{
		NewFiles:     make([]NewFileZipInfo, 0, len(raw.NewFileContents)),
		DeletedFiles: make([]DeletedFileInfo, 0, len(raw.DeletedFiles)),
		References:   dedupeReferences(raw.References),
	}

	seenNew := make(map[string]struct{}, len(raw.NewFileContents))
	for _, file := range raw.NewFileContents {
		path := strings.TrimSpace(file.Path)
		if path == "" {
			continue
		}
		if _, ok := seenNew[path]; ok {
			continue
		}
		seenNew[path] = struct{}{}
		result.NewFiles = append(result.NewFiles, NewFileZipInfo{
			ZipFilePath: path,
			FileContent: file.Content,
		})
	}

	seenDeleted := make(map[string]struct{}, len(raw.DeletedFiles))
	for _, rawPath := range raw.DeletedFiles {
		path := strings.TrimSpace(rawPath)
		if path == "" {
			continue
		}
		if _, ok := seenDeleted[path]; ok {
			continue
		}
		seenDeleted[path] = struct{}{}
		result.DeletedFiles = append(result.DeletedFiles, DeletedFileInfo{ZipFilePath: path})
	}

	return result
}

// WithIterationCounts returns a copy of r carrying the agent's iteration counters.
func (r Result) WithIterationCounts(remaining, total *int) Result {
	r.RemainingIterationCount = copyInt(remaining)
	r.TotalIterationCount = copyInt(total)
	return r
}

// Summary renders the completion message shown to the user.
func (r Result) Summary() string {
	var b strings.Builder
	if r.IsEmpty() {
		b.WriteString("Code generation completed with no file changes.")
	} else {
		fmt.Fprintf(&b, "Code generation completed: %d new or modified %s, %d %s.",
			len(r.NewFiles), plural(len(r.NewFiles), "file", "files"),
			len(r.DeletedFiles), plural(len(r.DeletedFiles), "deletion", "deletions"))
	}
	if len(r.References) > 0 {
		fmt.Fprintf(&b, " %d code %s attached.", len(r.References), plural(len(r.References), "reference", "references"))
	}
	if r.RemainingIterationCount != nil && r.TotalIterationCount != nil {
		fmt.Fprintf(&b, " %d of %d iterations remaining.", *r.RemainingIterationCount, *r.TotalIterationCount)
	}
	return b.String()
}

func dedupeReferences(references []CodeReference) []CodeReference {
	out := make([]CodeReference, 0, len(references))
	seen := make(map[string]struct{}, len(references))
	for _, ref := range references {
		key := referenceKey(ref)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if ref.RecommendationContentSpan != nil {
			span := *ref.RecommendationContentSpan
			ref.RecommendationContentSpan = &span
		}
		out = append(out, ref)
	}
	return out
}

func referenceKey(ref CodeReference) string {
	span := ""
	if ref.RecommendationContentSpan != nil {
		span = fmt.Sprintf("%d:%d", ref.RecommendationContentSpan.Start, ref.RecommendationContentSpan.End)
	}
	return strings.Join([]string{ref.LicenseName, ref.Repository, ref.URL, span}, "\x00")
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
