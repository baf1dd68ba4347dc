package indexer

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ExtractText pulls the indexable text out of an uploaded file based on its
// extension. Unsupported or unreadable content returns an error, which fails
// the index job.
func ExtractText(fileName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".txt", ".md", ".csv":
		return extractPlainText(fileName, data)
	case ".pdf":
		return extractPDF(fileName, data)
	case ".docx":
		return extractDocx(fileName, data)
	case ".xlsx":
		return extractXlsx(fileName, data)
	case ".doc", ".xls":
		// Legacy binary formats. Salvage plain text when the file happens to
		// contain any; otherwise reject.
		text, err := extractPlainText(fileName, data)
		if err != nil {
			return "", fmt.Errorf("legacy format %s: %w", ext, err)
		}
		return text, nil
	default:
		return "", fmt.Errorf("unsupported file extension %q for %q", ext, fileName)
	}
}

func extractPlainText(fileName string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %q is not valid UTF-8 text", fileName)
	}
	text := strings.ToValidUTF8(string(data), "")
	text = strings.ReplaceAll(text, "\x00", "")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("file %q contains no text", fileName)
	}
	return text, nil
}

func extractPDF(fileName string, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf %q: %w", fileName, err)
	}
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text %q: %w", fileName, err)
	}
	raw, err := io.ReadAll(textReader)
	if err != nil {
		return "", fmt.Errorf("read pdf text %q: %w", fileName, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("pdf %q contains no extractable text", fileName)
	}
	return text, nil
}

// docx stores the document body as WordprocessingML; the text lives in
// w:t elements inside word/document.xml.
func extractDocx(fileName string, data []byte) (string, error) {
	doc, err := readZipEntry(data, "word/document.xml")
	if err != nil {
		return "", fmt.Errorf("open docx %q: %w", fileName, err)
	}
	text, err := collectXMLText(doc, "t", "p")
	if err != nil {
		return "", fmt.Errorf("parse docx %q: %w", fileName, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("docx %q contains no text", fileName)
	}
	return text, nil
}

// xlsx keeps shared cell strings in xl/sharedStrings.xml as si/t elements.
func extractXlsx(fileName string, data []byte) (string, error) {
	shared, err := readZipEntry(data, "xl/sharedStrings.xml")
	if err != nil {
		return "", fmt.Errorf("open xlsx %q: %w", fileName, err)
	}
	text, err := collectXMLText(shared, "t", "si")
	if err != nil {
		return "", fmt.Errorf("parse xlsx %q: %w", fileName, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("xlsx %q contains no text", fileName)
	}
	return text, nil
}

func readZipEntry(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("archive entry %q not found", name)
}

// collectXMLText concatenates the character data of every textElement,
// inserting a newline at each breakElement boundary.
func collectXMLText(raw []byte, textElement, breakElement string) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var sb strings.Builder
	depth := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textElement {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == textElement && depth > 0 {
				depth--
			}
			if t.Name.Local == breakElement {
				sb.WriteString("\n")
			}
		case xml.CharData:
			if depth > 0 {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
