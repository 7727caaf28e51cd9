package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

const defaultPageNumber = 1

// Load extracts the text of a file as one Document per page. PDF is the
// primary format; office documents, plain text and markdown are accepted
// too. Any failure is reported as a document load error naming the file.
func Load(filePath string) ([]models.Document, error) {
	var (
		docs []models.Document
		err  error
	)

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		docs, err = parsePDF(filePath)
	case ".docx":
		docs, err = parseDOCX(filePath)
	case ".pptx":
		docs, err = parsePPTX(filePath)
	case ".xlsx":
		docs, err = parseXLSX(filePath)
	case ".ods":
		docs, err = parseODS(filePath)
	case ".txt":
		docs, err = parseText(filePath)
	case ".md", ".markdown":
		docs, err = parseMarkdown(filePath)
	default:
		err = fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return nil, loadError(filePath, err)
	}
	if len(docs) == 0 {
		return nil, loadError(filePath, fmt.Errorf("no text could be extracted"))
	}

	log.Debug().Str("file", filePath).Int("pages", len(docs)).Msg("Loaded document")
	return docs, nil
}

// LoadAll loads several files, keeping their order.
func LoadAll(paths []string) ([]models.Document, error) {
	var docs []models.Document
	for _, p := range paths {
		d, err := Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d...)
	}
	return docs, nil
}

func loadError(filePath string, err error) error {
	return ragerr.Wrap(ragerr.ErrDocumentLoad, fmt.Errorf("%s: %w", filePath, err))
}

func newDocument(filePath string, page int, content string) (models.Document, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Document{}, false
	}
	return models.Document{Source: filePath, Page: page, Text: content}, true
}

func parsePDF(filePath string) (docs []models.Document, err error) {
	// the pdf package panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			docs, err = nil, fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	f, reader, err := pdf.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if doc, ok := newDocument(filePath, i, pageText); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func parseDOCX(filePath string) ([]models.Document, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	content := extractTextFromXML(r.Editable().GetContent(), "<w:t>", "<w:t ")
	// DOCX has no page numbers
	if doc, ok := newDocument(filePath, defaultPageNumber, content); ok {
		return []models.Document{doc}, nil
	}
	return nil, nil
}

func parsePPTX(filePath string) ([]models.Document, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []models.Document
	slide := 0
	for _, file := range f.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") || !strings.HasSuffix(file.Name, ".xml") {
			continue
		}
		slide++
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if doc, ok := newDocument(filePath, slide, extractTextFromXML(string(data), "<a:t>")); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func parseXLSX(filePath string) ([]models.Document, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	for sheetNum, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		if doc, ok := newDocument(filePath, sheetNum+1, text.String()); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func parseODS(filePath string) ([]models.Document, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []models.Document
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			for _, cell := range row {
				text.WriteString(cell + "\t")
			}
			text.WriteString("\n")
		}
		if doc, ok := newDocument(filePath, sheetNum+1, text.String()); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func parseText(filePath string) ([]models.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	// TXT has no pages
	if doc, ok := newDocument(filePath, defaultPageNumber, string(data)); ok {
		return []models.Document{doc}, nil
	}
	return nil, nil
}

func parseMarkdown(filePath string) ([]models.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if doc, ok := newDocument(filePath, defaultPageNumber, markdownToText(data)); ok {
		return []models.Document{doc}, nil
	}
	return nil, nil
}

// markdownToText walks the goldmark AST and keeps only the readable text,
// one line per block.
func markdownToText(source []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	root := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeSpan:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					buf.Write(t.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// extractTextFromXML collects the text of every element opened by one of the
// given tag prefixes.
func extractTextFromXML(xmlContent string, openTags ...string) string {
	var out strings.Builder
	rest := xmlContent
	for {
		idx, tag := -1, ""
		for _, t := range openTags {
			if i := strings.Index(rest, t); i >= 0 && (idx < 0 || i < idx) {
				idx, tag = i, t
			}
		}
		if idx < 0 {
			break
		}
		rest = rest[idx+len(tag):]
		// tags opened with attributes still need their closing '>'
		if !strings.HasSuffix(tag, ">") {
			gt := strings.Index(rest, ">")
			if gt < 0 {
				break
			}
			rest = rest[gt+1:]
		}
		end := strings.Index(rest, "</")
		if end < 0 {
			break
		}
		out.WriteString(rest[:end] + " ")
		rest = rest[end:]
	}
	return out.String()
}
