package parser

import "context"

// BlockKind tags one extracted content block with its modality.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockImage    BlockKind = "image"
	BlockTable    BlockKind = "table"
	BlockEquation BlockKind = "equation"
)

// ContentBlock is one unit of extracted multimodal content.
type ContentBlock struct {
	Kind    BlockKind `json:"type"`
	Text    string    `json:"text,omitempty"`
	Caption string    `json:"caption,omitempty"`
	Page    int       `json:"page,omitempty"`
}

// Result is the output of parsing one document.
type Result struct {
	Blocks   []ContentBlock `json:"blocks"`
	Markdown string         `json:"markdown"`
}

// Options tunes a parse request. Zero values mean service defaults.
type Options struct {
	Method   string `json:"method,omitempty"`   // "auto", "ocr", "txt"
	Language string `json:"language,omitempty"` // OCR language hint
}

// Parser extracts content blocks and markdown from raw document bytes.
type Parser interface {
	Parse(ctx context.Context, filename string, data []byte, opts Options) (*Result, error)
}
