package codegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FileContent is one path/content pair of a raw result.
type FileContent struct {
	Path    string
	Content string
}

// FileContents is the new_file_contents object of a raw result. It decodes
// from a JSON object and keeps the document's key order.
type FileContents []FileContent

// UnmarshalJSON decodes an object of path -> content pairs in document order.
func (f *FileContents) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = nil
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode new_file_contents: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return errors.New("decode new_file_contents: expected object")
	}

	out := FileContents{}
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("decode new_file_contents key: %w", err)
		}
		key, ok := keyToken.(string)
		if !ok {
			return errors.New("decode new_file_contents: key must be string")
		}
		var content string
		if err := decoder.Decode(&content); err != nil {
			return fmt.Errorf("decode new_file_contents[%q]: %w", key, err)
		}
		out = append(out, FileContent{Path: key, Content: content})
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode new_file_contents: %w", err)
	}

	*f = out
	return nil
}

// MarshalJSON encodes the pairs as a JSON object in slice order.
func (f FileContents) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(item.Path)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(item.Content)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RawResult is the code generation result exactly as the remote agent streams it.
type RawResult struct {
	NewFileContents FileContents    `json:"new_file_contents"`
	DeletedFiles    []string        `json:"deleted_files"`
	References      []CodeReference `json:"references"`
}

// ArchiveResult is the envelope returned by the export archive call.
type ArchiveResult struct {
	CodeGenerationResult RawResult `json:"code_generation_result"`
}

// ParseArchive decodes an export archive payload.
func ParseArchive(data []byte) (RawResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return RawResult{}, errors.New("export archive payload is empty")
	}
	var envelope ArchiveResult
	if err := json.Unmarshal(data, &envelope); err != nil {
		return RawResult{}, fmt.Errorf("decode export archive: %w", err)
	}
	return envelope.CodeGenerationResult, nil
}
