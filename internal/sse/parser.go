package sse

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ParseUsage scans a buffered SSE stream for OpenAI-style "data: {...}" chunks
// and extracts the usage totals and the ordered list of chunk payloads.
//
// Usage fields follow last-chunk-wins semantics: a later chunk's
// prompt_tokens/completion_tokens/total_tokens overwrites an earlier one, since
// some upstreams only attach usage to the final chunk while others repeat it.
// "[DONE]" lines and lines that fail to parse as JSON are skipped. The
// returned body is the concatenation of every chunk's JSON, in arrival order,
// as a single JSON array -- or nil if no chunk parsed. It mirrors the
// response_body stored alongside a non-streaming request's log entry.
func ParseUsage(buf []byte) (prompt, completion, total *int64, body []byte) {
	text := buf
	if !utf8.Valid(text) {
		text = []byte(strings.ToValidUTF8(string(buf), "�"))
	}

	var chunks []string
	scanner := NewScanner(bytes.NewReader(text))
	for scanner.Scan() {
		_, data, ok := ParseSSELine(strings.TrimSpace(scanner.Text()))
		if !ok || data == "" || data == "[DONE]" {
			continue
		}
		if !gjson.Valid(data) {
			continue
		}

		if usage := gjson.Get(data, "usage"); usage.Exists() {
			if pt := usage.Get("prompt_tokens"); pt.Exists() {
				v := pt.Int()
				prompt = &v
			}
			if ct := usage.Get("completion_tokens"); ct.Exists() {
				v := ct.Int()
				completion = &v
			}
			if tt := usage.Get("total_tokens"); tt.Exists() {
				v := tt.Int()
				total = &v
			}
		}
		chunks = append(chunks, data)
	}

	if len(chunks) == 0 {
		return prompt, completion, total, nil
	}
	body = []byte("[" + strings.Join(chunks, ",") + "]")
	return prompt, completion, total, body
}
