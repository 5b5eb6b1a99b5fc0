package sse

import (
	"strings"
	"testing"
)

func TestParseUsage_NoUsagePresent(t *testing.T) {
	t.Parallel()
	buf := []byte("data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n")

	prompt, completion, total, body := ParseUsage(buf)
	if prompt != nil || completion != nil || total != nil {
		t.Errorf("usage = %v/%v/%v, want all nil", prompt, completion, total)
	}
	if body == nil {
		t.Fatal("body should hold the one parsed chunk")
	}
}

func TestParseUsage_SingleUsageChunk(t *testing.T) {
	t.Parallel()
	buf := []byte(`data: {"id":"1","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}` + "\n")

	prompt, completion, total, _ := ParseUsage(buf)
	if prompt == nil || *prompt != 10 {
		t.Errorf("prompt = %v, want 10", prompt)
	}
	if completion == nil || *completion != 20 {
		t.Errorf("completion = %v, want 20", completion)
	}
	if total == nil || *total != 30 {
		t.Errorf("total = %v, want 30", total)
	}
}

func TestParseUsage_MultipleChunksLastWins(t *testing.T) {
	t.Parallel()
	lines := []string{
		`data: {"id":"1","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`data: {"id":"1","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`,
	}
	buf := []byte(strings.Join(lines, "\n") + "\n")

	prompt, completion, total, _ := ParseUsage(buf)
	if prompt == nil || *prompt != 10 {
		t.Errorf("prompt = %v, want 10", prompt)
	}
	if completion == nil || *completion != 20 {
		t.Errorf("completion = %v, want 20 (last chunk wins)", completion)
	}
	if total == nil || *total != 30 {
		t.Errorf("total = %v, want 30 (last chunk wins)", total)
	}
}

func TestParseUsage_MalformedLinesSkipped(t *testing.T) {
	t.Parallel()
	buf := []byte("data: {not json}\n" +
		`data: {"id":"1","usage":{"total_tokens":7}}` + "\n")

	_, _, total, body := ParseUsage(buf)
	if total == nil || *total != 7 {
		t.Errorf("total = %v, want 7", total)
	}
	if strings.Contains(string(body), "not json") {
		t.Error("malformed chunk should not appear in body")
	}
}

func TestParseUsage_DoneSkipped(t *testing.T) {
	t.Parallel()
	buf := []byte("data: [DONE]\n")

	prompt, completion, total, body := ParseUsage(buf)
	if prompt != nil || completion != nil || total != nil {
		t.Error("usage should be nil for [DONE]-only stream")
	}
	if body != nil {
		t.Errorf("body = %s, want nil", body)
	}
}

func TestParseUsage_EmptyBuffer(t *testing.T) {
	t.Parallel()

	prompt, completion, total, body := ParseUsage(nil)
	if prompt != nil || completion != nil || total != nil || body != nil {
		t.Error("empty buffer should produce all-nil result")
	}
}
