package parser

import "strings"

// ContentProcessor renders one block kind into text suitable for embedding
// and text search. Render returns false when the block carries nothing
// worth indexing (e.g. an image without a caption).
type ContentProcessor interface {
	Kind() BlockKind
	Render(b ContentBlock) (string, bool)
}

type textProcessor struct{}

func (textProcessor) Kind() BlockKind { return BlockText }
func (textProcessor) Render(b ContentBlock) (string, bool) {
	text := strings.TrimSpace(b.Text)
	return text, text != ""
}

type imageProcessor struct{}

func (imageProcessor) Kind() BlockKind { return BlockImage }
func (imageProcessor) Render(b ContentBlock) (string, bool) {
	caption := strings.TrimSpace(b.Caption)
	if caption == "" {
		return "", false
	}
	return "Image: " + caption, true
}

type tableProcessor struct{}

func (tableProcessor) Kind() BlockKind { return BlockTable }
func (tableProcessor) Render(b ContentBlock) (string, bool) {
	var parts []string
	if caption := strings.TrimSpace(b.Caption); caption != "" {
		parts = append(parts, "Table: "+caption)
	}
	if body := strings.TrimSpace(b.Text); body != "" {
		parts = append(parts, body)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

type equationProcessor struct{}

func (equationProcessor) Kind() BlockKind { return BlockEquation }
func (equationProcessor) Render(b ContentBlock) (string, bool) {
	text := strings.TrimSpace(b.Text)
	if text == "" {
		return "", false
	}
	return "Equation: " + text, true
}

// DefaultProcessors returns the processor for each known block kind.
func DefaultProcessors() map[BlockKind]ContentProcessor {
	procs := []ContentProcessor{
		textProcessor{},
		imageProcessor{},
		tableProcessor{},
		equationProcessor{},
	}
	m := make(map[BlockKind]ContentProcessor, len(procs))
	for _, p := range procs {
		m[p.Kind()] = p
	}
	return m
}

// RenderedBlock is a block reduced to indexable text.
type RenderedBlock struct {
	Kind BlockKind
	Text string
}

// RenderBlocks applies the matching processor to each block, preserving
// order and dropping blocks with nothing to index. Unknown kinds fall back
// to the text processor.
func RenderBlocks(blocks []ContentBlock, procs map[BlockKind]ContentProcessor) []RenderedBlock {
	var out []RenderedBlock
	for _, b := range blocks {
		p, ok := procs[b.Kind]
		if !ok {
			p = textProcessor{}
		}
		text, ok := p.Render(b)
		if !ok {
			continue
		}
		out = append(out, RenderedBlock{Kind: b.Kind, Text: text})
	}
	return out
}
