// Package codegen turns a remote code generation result into a reviewable
// change set.
package codegen

// NewFileZipInfo is one proposed file addition or rewrite. Rejected and
// ChangeApplied belong to the reviewer once the change set is handed off.
type NewFileZipInfo struct {
	ZipFilePath   string `json:"zipFilePath"`
	FileContent   string `json:"fileContent"`
	Rejected      bool   `json:"rejected"`
	ChangeApplied bool   `json:"changeApplied"`
}

// DeletedFileInfo is one proposed file deletion.
type DeletedFileInfo struct {
	ZipFilePath   string `json:"zipFilePath"`
	Rejected      bool   `json:"rejected"`
	ChangeApplied bool   `json:"changeApplied"`
}

// ContentSpan locates referenced content inside a generated file.
type ContentSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CodeReference attributes generated code to a licensed source.
type CodeReference struct {
	LicenseName               string       `json:"licenseName,omitempty"`
	Repository                string       `json:"repository,omitempty"`
	URL                       string       `json:"url,omitempty"`
	RecommendationContentSpan *ContentSpan `json:"recommendationContentSpan,omitempty"`
}

// Result is the change set of one completed iteration.
type Result struct {
	NewFiles                []NewFileZipInfo  `json:"newFiles"`
	DeletedFiles            []DeletedFileInfo `json:"deletedFiles"`
	References              []CodeReference   `json:"references"`
	RemainingIterationCount *int              `json:"codeGenerationRemainingIterationCount,omitempty"`
	TotalIterationCount     *int              `json:"codeGenerationTotalIterationCount,omitempty"`
}

// Paths returns every path the result touches, additions first.
func (r Result) Paths() []string {
	paths := make([]string, 0, len(r.NewFiles)+len(r.DeletedFiles))
	for _, file := range r.NewFiles {
		paths = append(paths, file.ZipFilePath)
	}
	for _, file := range r.DeletedFiles {
		paths = append(paths, file.ZipFilePath)
	}
	return paths
}

// IsEmpty reports whether the agent proposed no changes.
func (r Result) IsEmpty() bool {
	return len(r.NewFiles) == 0 && len(r.DeletedFiles) == 0
}

// Clone returns a copy of r that shares no slices or pointers with it.
func (r Result) Clone() Result {
	out := Result{
		NewFiles:                append(make([]NewFileZipInfo, 0, len(r.NewFiles)), r.NewFiles...),
		DeletedFiles:            append(make([]DeletedFileInfo, 0, len(r.DeletedFiles)), r.DeletedFiles...),
		References:              make([]CodeReference, len(r.References)),
		RemainingIterationCount: copyInt(r.RemainingIterationCount),
		TotalIterationCount:     copyInt(r.TotalIterationCount),
	}
	for i, ref := range r.References {
		if ref.RecommendationContentSpan != nil {
			span := *ref.RecommendationContentSpan
			ref.RecommendationContentSpan = &span
		}
		out.References[i] = ref
	}
	return out
}
