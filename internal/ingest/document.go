package ingest

import (
	"bytes"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// contentBudget bounds how much extracted text is stored per upload.
const contentBudget = 2000

// ProcessDocument extracts text from an uploaded pdf or txt file and
// renders the system-authored turn recording it. ok is false when nothing
// could be extracted; decode failures never escape the request.
func ProcessDocument(filename string, data []byte) (msg string, ok bool) {
	var (
		label string
		text  string
	)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		extracted, err := extractPDFText(data)
		if err != nil {
			log.Printf("pdf extraction failed for %q: %v", filename, err)
			return "", false
		}
		label = "PDF file"
		text = extracted
	case ".txt":
		label = "text file"
		text = string(data)
	default:
		return "", false
	}

	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return documentMessage(label, filename, text), true
}

// extractPDFText walks the document page by page and joins the page texts
// with newlines.
func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var parts []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single broken page should not sink the whole document.
			log.Printf("pdf page %d extraction failed: %v", i, err)
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n"), nil
}

func documentMessage(label, filename, text string) string {
	body := text
	marker := ""
	if runes := []rune(text); len(runes) > contentBudget {
		body = string(runes[:contentBudget])
		marker = "..."
	}
	return fmt.Sprintf("User uploaded a %s '%s'. Content:\n\n%s%s", label, filename, body, marker)
}
