package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/models"
)

type fakeDocument struct {
	contentType string
	body        []byte
	err         error
}

type fakeFetcher struct {
	docs  map[string]fakeDocument
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, []byte, error) {
	f.calls++
	doc, ok := f.docs[url]
	if !ok {
		return "", nil, fmt.Errorf("fetch %s: 404", url)
	}
	return doc.contentType, doc.body, doc.err
}

func newTestKnowledgeService(fetcher Fetcher) *KnowledgeService {
	return NewKnowledgeService(config.Default().Retrieval, fetcher, nil)
}

func buildDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	ct, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`))
	require.NoError(t, err)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		sb.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	sb.WriteString(`</w:body></w:document>`)
	_, err = w.Write([]byte(sb.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestChunkTextIsDeterministic(t *testing.T) {
	text := strings.Repeat("abcdefghij", 250) // 2500 字符

	first := ChunkText(text, 1000, 800)
	second := ChunkText(text, 1000, 800)
	assert.Equal(t, first, second)

	require.Len(t, first, 4)
	assert.Equal(t, text[0:1000], first[0])
	assert.Equal(t, text[800:1800], first[1])
	assert.Equal(t, text[1600:2500], first[2])
	assert.Equal(t, text[2400:2500], first[3])
	// 相邻块重叠 200 字符
	assert.Equal(t, first[0][800:], first[1][:200])
}

func TestChunkTextCountsRunes(t *testing.T) {
	text := strings.Repeat("記", 1200)
	chunks := ChunkText(text, 1000, 800)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1000, len([]rune(chunks[0])))
	assert.Equal(t, 400, len([]rune(chunks[1])))
	assert.Nil(t, ChunkText("", 1000, 800))
}

func TestGetRelevantContextRanksAndFilters(t *testing.T) {
	s := newTestKnowledgeService(&fakeFetcher{})
	persona := &models.Persona{
		Name:     "Alice",
		DataDump: "Alice grew up by the sea and loved sailing.",
		LifeData: "Alice moved to Paris. She adopted a cat named Sailor and went sailing on the Seine.",
	}

	snippets := s.GetRelevantContext(context.Background(), persona, "Sailing cat Paris", 0)
	require.Len(t, snippets, 2)
	assert.Equal(t, SourceLifeRecords, snippets[0].Source)
	assert.Equal(t, 3, snippets[0].Score)
	assert.Equal(t, SourceDeepKnowledge, snippets[1].Source)
	assert.Equal(t, 1, snippets[1].Score)

	for i, sn := range snippets {
		assert.Greater(t, sn.Score, 0)
		if i > 0 {
			assert.LessOrEqual(t, sn.Score, snippets[i-1].Score)
		}
	}

	assert.Empty(t, s.GetRelevantContext(context.Background(), persona, "quantum chromodynamics", 0))
	assert.Empty(t, s.GetRelevantContext(context.Background(), persona, "   ", 0))
}

func TestGetRelevantContextTopNAndStableTies(t *testing.T) {
	s := newTestKnowledgeService(&fakeFetcher{})
	var parts []string
	for i := 0; i < 5; i++ {
		// 每段 800 字符，块之间得分相同
		parts = append(parts, fmt.Sprintf("%-800s", fmt.Sprintf("lighthouse part %d", i)))
	}
	persona := &models.Persona{DataDump: strings.Join(parts, "")}

	snippets := s.GetRelevantContext(context.Background(), persona, "lighthouse", 2)
	require.Len(t, snippets, 2)
	assert.True(t, strings.HasPrefix(snippets[0].Content, "lighthouse part 0"))
	assert.True(t, strings.HasPrefix(snippets[1].Content, "lighthouse part 1"))

	snippets = s.GetRelevantContext(context.Background(), persona, "lighthouse", 0)
	assert.Len(t, snippets, 3)
}

func TestGetRelevantContextExtractsUploads(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]fakeDocument{
		"https://files.example/notes.txt?token=abc": {contentType: "text/plain", body: []byte("The harbour festival is in June.")},
		"https://files.example/broken.pdf":          {err: errors.New("connection reset")},
	}}
	s := newTestKnowledgeService(fetcher)
	persona := &models.Persona{UploadedFiles: []models.UploadedFile{
		{URL: "https://files.example/notes.txt?token=abc"},
		{URL: "https://files.example/broken.pdf", Name: "broken.pdf"},
	}}

	snippets := s.GetRelevantContext(context.Background(), persona, "festival", 0)
	require.Len(t, snippets, 1)
	assert.Equal(t, "File: Attachment", snippets[0].Source)
	assert.Equal(t, "The harbour festival is in June.", snippets[0].Content)

	// 附件不缓存，每次检索都重新获取
	s.GetRelevantContext(context.Background(), persona, "festival", 0)
	assert.Equal(t, 4, fetcher.calls)
}

func TestExtractTextDispatch(t *testing.T) {
	docx := buildDocx(t, "First paragraph", "Second paragraph")
	fetcher := &fakeFetcher{docs: map[string]fakeDocument{
		"https://f/plain":            {contentType: "text/plain; charset=utf-8", body: []byte("hello\xffworld")},
		"https://f/letter.docx?v=2":  {contentType: "", body: docx},
		"https://f/word":             {contentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", body: docx},
		"https://f/garbage.pdf":      {contentType: "application/pdf", body: []byte("not a pdf")},
		"https://f/octet":            {contentType: "application/octet-stream", body: []byte("just text")},
	}}
	s := newTestKnowledgeService(fetcher)
	ctx := context.Background()

	assert.Equal(t, "helloworld", s.ExtractText(ctx, "https://f/plain"))
	for _, url := range []string{"https://f/letter.docx?v=2", "https://f/word"} {
		text := s.ExtractText(ctx, url)
		assert.Contains(t, text, "First paragraph", url)
		assert.Contains(t, text, "Second paragraph", url)
	}
	assert.Equal(t, "", s.ExtractText(ctx, "https://f/garbage.pdf"))
	assert.Equal(t, "just text", s.ExtractText(ctx, "https://f/octet"))
	assert.Equal(t, "", s.ExtractText(ctx, "https://f/missing"))
}

func TestDocxDecoder(t *testing.T) {
	text, err := DocxDecoder{}.Decode(buildDocx(t, "Dear diary", "It rained"))
	require.NoError(t, err)
	assert.Contains(t, text, "Dear diary")
	assert.Contains(t, text, "It rained")

	_, err = DocxDecoder{}.Decode([]byte("plain bytes, not a zip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docx")
}

func TestExtractTextWithoutDecoder(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]fakeDocument{
		"https://f/report.pdf": {contentType: "application/pdf", body: []byte("%PDF-1.4 raw")},
		"https://f/plain.txt":  {contentType: "text/plain", body: []byte("plain")},
	}}
	s := newTestKnowledgeService(fetcher)
	s.SetDecoders(nil, nil)

	got := s.ExtractText(context.Background(), "https://f/report.pdf")
	assert.Equal(t, basicExtractionNote+"%PDF-1.4 raw", got)
	assert.Equal(t, "plain", s.ExtractText(context.Background(), "https://f/plain.txt"))

	// 仅缺少 PDF 解码器时，Word 文档照常解析且不带提示
	fetcher.docs["https://f/notes.docx"] = fakeDocument{body: buildDocx(t, "kept")}
	s.SetDecoders(nil, DocxDecoder{})
	word := s.ExtractText(context.Background(), "https://f/notes.docx")
	assert.Contains(t, word, "kept")
	assert.NotContains(t, word, basicExtractionNote)
	assert.Equal(t, basicExtractionNote+"%PDF-1.4 raw", s.ExtractText(context.Background(), "https://f/report.pdf"))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("hello"))
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 32)
	ct, body, err := f.Fetch(context.Background(), srv.URL+"/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hello", string(body))

	_, _, err = f.Fetch(context.Background(), srv.URL+"/big")
	assert.Error(t, err)

	_, _, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
