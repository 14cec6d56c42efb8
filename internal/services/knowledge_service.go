// internal/services/knowledge_service.go
package services

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// 知识来源标签
const (
	SourceDeepKnowledge = "Deep Knowledge Base"
	SourceLifeRecords   = "Personal Life Records"
	sourceFilePrefix    = "File: "
	defaultFileName     = "Attachment"
)

// basicExtractionNote 缺少对应解码器时加在原始文本前
const basicExtractionNote = "[Neural Knowledge Processor Installing... Basic Text Extraction Only]\n"

type documentKind int

const (
	kindText documentKind = iota
	kindPDF
	kindWord
)

// KnowledgeService 从人格的非结构化资料中检索与问题相关的片段
// 采用词汇重叠打分，不做向量检索，每次调用都重新计算
type KnowledgeService struct {
	fetcher     Fetcher
	pdf         Decoder
	word        Decoder
	logger      *utils.Logger
	chunkSize   int
	chunkStride int
	topN        int
}

// NewKnowledgeService 创建知识检索服务，默认启用 PDF 与 DOCX 解码器
func NewKnowledgeService(cfg config.RetrievalConfig, fetcher Fetcher, logger *utils.Logger) *KnowledgeService {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg.FetchTimeout, cfg.MaxFetchBytes)
	}
	s := &KnowledgeService{
		fetcher:     fetcher,
		pdf:         PDFDecoder{},
		word:        DocxDecoder{},
		logger:      logger,
		chunkSize:   cfg.ChunkSize,
		chunkStride: cfg.ChunkStride,
		topN:        cfg.TopN,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 1000
	}
	if s.chunkStride <= 0 {
		s.chunkStride = 800
	}
	if s.topN <= 0 {
		s.topN = 3
	}
	return s
}

// SetDecoders 替换文档解码器，传 nil 表示该格式不可用
func (s *KnowledgeService) SetDecoders(pdf, word Decoder) {
	s.pdf = pdf
	s.word = word
}

// ExtractText 获取并解析附件，任何失败都记录日志并返回空字符串
func (s *KnowledgeService) ExtractText(ctx context.Context, rawURL string) string {
	text, err := s.extract(ctx, rawURL)
	if err != nil {
		s.logger.Warn("attachment extraction failed", utils.Fields{
			"url":   rawURL,
			"error": err,
		})
		return ""
	}
	return text
}

func (s *KnowledgeService) extract(ctx context.Context, rawURL string) (string, error) {
	contentType, body, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}

	ct := strings.ToLower(contentType)
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = strings.ToLower(mimetype.Detect(body).String())
	}

	var decoder Decoder
	switch detectKind(ct, rawURL) {
	case kindPDF:
		decoder = s.pdf
	case kindWord:
		decoder = s.word
	default:
		return lossyText(body), nil
	}

	if decoder == nil {
		return basicExtractionNote + lossyText(body), nil
	}
	return decoder.Decode(body)
}

// detectKind 先看内容类型，再看去掉查询串后的扩展名
func detectKind(contentType, rawURL string) documentKind {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	}

	switch {
	case strings.Contains(contentType, "pdf") || ext == "pdf":
		return kindPDF
	case strings.Contains(contentType, "word") || ext == "doc" || ext == "docx":
		return kindWord
	}
	return kindText
}

// lossyText 按 UTF-8 解码，丢弃非法字节
func lossyText(body []byte) string {
	return strings.ToValidUTF8(string(body), "")
}

type knowledgeSource struct {
	label   string
	content string
}

// GetRelevantContext 返回得分最高的 topN 个片段，按得分降序
// topN <= 0 时使用配置值
func (s *KnowledgeService) GetRelevantContext(ctx context.Context, persona *models.Persona, query string, topN int) []models.KnowledgeSnippet {
	if persona == nil {
		return nil
	}
	if topN <= 0 {
		topN = s.topN
	}

	words := queryWords(query)
	if len(words) == 0 {
		return nil
	}

	var snippets []models.KnowledgeSnippet
	for _, src := range s.collectSources(ctx, persona) {
		for _, chunk := range ChunkText(src.content, s.chunkSize, s.chunkStride) {
			score := scoreChunk(chunk, words)
			if score == 0 {
				continue
			}
			snippets = append(snippets, models.KnowledgeSnippet{
				Source:  src.label,
				Content: strings.TrimSpace(chunk),
				Score:   score,
			})
		}
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	if len(snippets) > topN {
		snippets = snippets[:topN]
	}
	return snippets
}

// collectSources 附件在此按需提取，不做缓存
func (s *KnowledgeService) collectSources(ctx context.Context, persona *models.Persona) []knowledgeSource {
	var sources []knowledgeSource
	if persona.DataDump != "" {
		sources = append(sources, knowledgeSource{label: SourceDeepKnowledge, content: persona.DataDump})
	}
	if persona.LifeData != "" {
		sources = append(sources, knowledgeSource{label: SourceLifeRecords, content: persona.LifeData})
	}
	for _, file := range persona.UploadedFiles {
		if file.URL == "" {
			continue
		}
		text := s.ExtractText(ctx, file.URL)
		if text == "" {
			continue
		}
		name := file.Name
		if name == "" {
			name = defaultFileName
		}
		sources = append(sources, knowledgeSource{label: sourceFilePrefix + name, content: text})
	}
	return sources
}

// ChunkText 按字符切分，块长 size，步长 stride，边界不对齐单词
func ChunkText(content string, size, stride int) []string {
	runes := []rune(content)
	if len(runes) == 0 || size <= 0 || stride <= 0 {
		return nil
	}

	chunks := make([]string, 0, len(runes)/stride+1)
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// queryWords 小写后按空白切分并去重
func queryWords(query string) []string {
	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}

// scoreChunk 统计出现在块中的不同查询词个数
func scoreChunk(chunk string, words []string) int {
	lower := strings.ToLower(chunk)
	score := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			score++
		}
	}
	return score
}
