// Package notebook builds the Whisper transcriber notebook published by gdwhisper.
//
// The notebook is a fixed nbformat 4 document. Only the line assigning the
// source video URL is parameterized:
//
//	nb, err := notebook.New("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
//	if err != nil {
//	    return err
//	}
//	if err := nb.WriteFile(notebook.DefaultFileName); err != nil {
//	    return err
//	}
package notebook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// DefaultFileName is the file name the notebook is written to and published as.
const DefaultFileName = "whisper_transcriber.ipynb"

const (
	placeholder     = "__SOURCE_URL__"
	sourceURLPrefix = `youtube_url = "`
)

//go:embed whisper_transcriber.json
var templateJSON []byte

// ErrInvalidSourceURL is returned when the source URL cannot be embedded in the notebook.
var ErrInvalidSourceURL = errors.New("invalid source url")

// Notebook is an nbformat 4 document.
type Notebook struct {
	Cells         []*Cell  `json:"cells"`
	Metadata      Metadata `json:"metadata"`
	NBFormat      int      `json:"nbformat"`
	NBFormatMinor int      `json:"nbformat_minor"`
}

// Cell is a single notebook block.
type Cell struct {
	CellType       string         `json:"cell_type"`
	Metadata       map[string]any `json:"metadata"`
	Source         []string       `json:"source"`
	ExecutionCount *int           `json:"execution_count"`
	Outputs        []any          `json:"outputs"`
}

// Metadata is the notebook level metadata header.
type Metadata struct {
	Colab        *ColabMetadata `json:"colab,omitempty"`
	KernelSpec   *KernelSpec    `json:"kernelspec,omitempty"`
	LanguageInfo *LanguageInfo  `json:"language_info,omitempty"`
}

type ColabMetadata struct {
	Name        string `json:"name"`
	Provenance  []any  `json:"provenance"`
	Collapsible bool   `json:"collapsible"`
	Accelerator string `json:"accelerator,omitempty"`
}

type KernelSpec struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

type LanguageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// New returns the transcriber notebook that downloads sourceURL.
func New(sourceURL string) (*Notebook, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := ValidateSourceURL(sourceURL); err != nil {
		return nil, err
	}
	nb, err := Parse(bytes.NewReader(templateJSON))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var replaced int
	for _, cell := range nb.Cells {
		for i, line := range cell.Source {
			if strings.Contains(line, placeholder) {
				cell.Source[i] = strings.Replace(line, placeholder, sourceURL, 1)
				replaced++
			}
		}
	}
	if replaced != 1 {
		return nil, fmt.Errorf("template has %d source url placeholders, expected 1", replaced)
	}
	return nb, nil
}

// ValidateSourceURL reports whether s can be embedded in the notebook as a
// double quoted Python string.
func ValidateSourceURL(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSourceURL)
	}
	if strings.ContainsAny(s, "\"\\") || strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %q contains quote, backslash or control characters", ErrInvalidSourceURL, s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https: %q", ErrInvalidSourceURL, s)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is empty: %q", ErrInvalidSourceURL, s)
	}
	return nil
}

// SourceURL returns the URL the notebook downloads.
func (nb *Notebook) SourceURL() (string, bool) {
	for _, cell := range nb.Cells {
		for _, line := range cell.Source {
			rest, ok := strings.CutPrefix(line, sourceURLPrefix)
			if !ok {
				continue
			}
			rest = strings.TrimRight(rest, "\n")
			if v, ok := strings.CutSuffix(rest, `"`); ok {
				return v, true
			}
		}
	}
	return "", false
}

// Encode writes the notebook as indented JSON.
func (nb *Notebook) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(nb)
}

// WriteFile writes the notebook to path, creating the parent directory if needed.
func (nb *Notebook) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := nb.Encode(&buf); err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Parse decodes a notebook document.
func Parse(r io.Reader) (*Notebook, error) {
	var nb Notebook
	if err := json.NewDecoder(r).Decode(&nb); err != nil {
		return nil, err
	}
	return &nb, nil
}

// Load reads a notebook document from path.
func Load(path string) (*Notebook, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return Parse(fp)
}
