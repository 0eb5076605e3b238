package tools

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/parleylabs/parley/internal/domain"
)

// ---------------------------------------------------------------------------
// read_document
// ---------------------------------------------------------------------------

func readDocumentTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "read_document",
			Description: "Extract text from a PDF, Word (.docx), or Excel (.xlsx) document. Spreadsheets are rendered one sheet at a time as tab-separated rows.",
			Properties: map[string]Prop{
				"path": {Type: "string", Description: "Path to the document"},
			},
			Required:     []string{"path"},
			Capabilities: []string{"filesystem", "documents"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "path is required")
			}
			path = resolvePath(path, tc)

			var (
				text string
				err  error
			)
			switch strings.ToLower(filepath.Ext(path)) {
			case ".pdf":
				text, err = extractPDF(path)
			case ".docx":
				text, err = extractDocx(path)
			case ".xlsx", ".xlsm":
				text, err = extractXlsx(path)
			default:
				return nil, domain.Errorf(domain.CodeInvalidArguments,
					"unsupported document type %q (want .pdf, .docx, .xlsx)", filepath.Ext(path))
			}
			if err != nil {
				return nil, err
			}
			return capOutput(text), nil
		},
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var b strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if err != nil {
			break
		}
		if b.Len() > 2*outputCap {
			break
		}
	}
	return b.String(), nil
}

var docxParaRe = regexp.MustCompile(`</w:p>`)

func extractDocx(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("opening docx %s: %w", path, err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	content = docxParaRe.ReplaceAllString(content, "\n")
	content = tagRe.ReplaceAllString(content, "")
	content = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`).Replace(content)
	return strings.TrimSpace(blankRunRe.ReplaceAllString(content, "\n\n")), nil
}

func extractXlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening spreadsheet %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("reading sheet %q: %w", sheet, err)
		}
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		if b.Len() > 2*outputCap {
			break
		}
	}
	return strings.TrimSpace(b.String()), nil
}
