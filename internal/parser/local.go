package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat marks input the local parser cannot handle. Stage
// runners treat it as permanent: retrying the same bytes cannot succeed.
var ErrUnsupportedFormat = errors.New("unsupported format for local parsing")

// Local extracts text without an external service. It covers plain text,
// markdown, and PDF; everything else requires the remote parser.
type Local struct{}

// NewLocal returns a Local parser.
func NewLocal() *Local { return &Local{} }

func (l *Local) Parse(ctx context.Context, filename string, data []byte, _ Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md":
		return parsePlainText(data), nil
	case ".pdf":
		return parsePDF(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// parsePlainText splits on blank lines, one block per paragraph.
func parsePlainText(data []byte) *Result {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	var blocks []ContentBlock
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		blocks = append(blocks, ContentBlock{Kind: BlockText, Text: para})
	}
	return &Result{Blocks: blocks, Markdown: content}
}

func parsePDF(data []byte) (*Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	var blocks []ContentBlock
	var md strings.Builder
	for pageIndex := 1; pageIndex <= r.NumPage(); pageIndex++ {
		page := r.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting page %d: %w", pageIndex, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, ContentBlock{Kind: BlockText, Text: text, Page: pageIndex})
		md.WriteString(text)
		md.WriteString("\n\n")
	}
	return &Result{Blocks: blocks, Markdown: md.String()}, nil
}
