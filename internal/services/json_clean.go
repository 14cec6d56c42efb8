// internal/services/json_clean.go
package services

import (
	"strings"
	"unicode"
)

// 模型输出常带 Markdown 代码块、零宽字符和全角标点
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// 字符串外的全角结构符号
var structuralPunctuation = map[rune]rune{
	'：': ':',
	'，': ',',
	'【': '[',
	'】': ']',
	'｛': '{',
	'｝': '}',
	'“': '"',
}

// cleanJSONString 截取第一个完整的 JSON 对象或数组
// 找不到配对的结束符时退回到最后一个 } 或 ]
func cleanJSONString(s string) string {
	s = jsonNoiseReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = normalizeJSONPunctuation(strings.TrimSpace(s))

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	s = s[start:]

	open, close := byte('{'), byte('}')
	if s[0] == '[' {
		open, close = '[', ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	if end := strings.LastIndexByte(s, close); end != -1 {
		return s[:end+1]
	}
	return s
}

// normalizeJSONPunctuation 只替换字符串外的全角符号
func normalizeJSONPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped, curly := false, false, false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"' || (curly && r == '”'):
				inString = false
				r = '"'
			}
			b.WriteRune(r)
			continue
		}
		if r == '“' {
			curly = true
		} else if r == '"' {
			curly = false
		}
		if repl, ok := structuralPunctuation[r]; ok {
			r = repl
		}
		if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}
	return b.String()
}
