// internal/services/decoders.go
package services

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat/docxtxt"
)

// Decoder 将二进制文档转换为纯文本
type Decoder interface {
	Decode(data []byte) (string, error)
}

// PDFDecoder 逐页提取 PDF 文本
type PDFDecoder struct{}

func (PDFDecoder) Decode(data []byte) (text string, err error) {
	// 畸形文件可能让解析器 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf decode panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("pdf page %d: %w", i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// DocxDecoder 使用 docxtxt 提取 Word 正文
type DocxDecoder struct{}

func (DocxDecoder) Decode(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("docx decode panic: %v", r)
		}
	}()

	text, err = docxtxt.BytesToStr(data)
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}
	return text, nil
}
