package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// Extraction is a well-formed tool call found in the buffer.
// Arguments holds the raw arguments JSON text.
type Extraction struct {
	Name      string
	Arguments string
	Start     int
	End       int
}

// Scanner finds tool call blocks incrementally. It remembers the offset up to
// which the buffer has been fully processed and only re-examines the
// unterminated suffix on later calls. The buffer passed to Scan must only
// grow by appending.
type Scanner struct {
	offset int
}

// Offset returns the position up to which the buffer has been processed.
func (s *Scanner) Offset() int {
	return s.offset
}

// SkipTo marks everything before pos as processed. Used after splicing
// tool responses so they are never scanned as model output.
func (s *Scanner) SkipTo(pos int) {
	if pos > s.offset {
		s.offset = pos
	}
}

// Scan returns the complete, well-formed tool calls that appeared since the
// previous call, in document order. Malformed blocks are consumed silently.
func (s *Scanner) Scan(buffer string) []Extraction {
	var found []Extraction

	for s.offset < len(buffer) {
		rest := buffer[s.offset:]

		open := strings.Index(rest, toolCallOpen)
		if open < 0 {
			// keep a possible partial opening tag at the tail
			s.offset += len(rest) - partialPrefixLen(rest, toolCallOpen)
			return found
		}

		innerStart := open + len(toolCallOpen)
		closeAt := strings.Index(rest[innerStart:], toolCallClose)
		if closeAt < 0 {
			s.offset += open
			return found
		}

		end := s.offset + innerStart + closeAt + len(toolCallClose)
		if ext, ok := parseToolCall(rest[innerStart : innerStart+closeAt]); ok {
			ext.Start = s.offset + open
			ext.End = end
			found = append(found, ext)
		}
		s.offset = end
	}

	return found
}

// ExtractCalls returns every well-formed tool call in buffer, left to right.
func ExtractCalls(buffer string) []Extraction {
	var s Scanner
	return s.Scan(buffer)
}

// HasIncompleteCall reports whether the last opening tag has no closing tag after it.
func HasIncompleteCall(buffer string) bool {
	i := strings.LastIndex(buffer, toolCallOpen)
	if i < 0 {
		return false
	}
	return !strings.Contains(buffer[i+len(toolCallOpen):], toolCallClose)
}

// partialPrefixLen is the length of the longest suffix of s that is a proper prefix of tag.
func partialPrefixLen(s, tag string) int {
	limit := len(tag) - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

func parseToolCall(inner string) (Extraction, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(inner)), &fields); err != nil {
		return Extraction{}, false
	}

	var name string
	rawName, ok := fields["name"]
	rawName = bytes.TrimSpace(rawName)
	if !ok || len(rawName) == 0 || rawName[0] != '"' || json.Unmarshal(rawName, &name) != nil {
		return Extraction{}, false
	}

	rawArgs, ok := fields["arguments"]
	if !ok {
		return Extraction{}, false
	}
	rawArgs = bytes.TrimSpace(rawArgs)

	switch {
	case len(rawArgs) > 0 && rawArgs[0] == '{':
		return Extraction{Name: name, Arguments: string(rawArgs)}, true
	case len(rawArgs) > 0 && rawArgs[0] == '"':
		// some models emit the arguments object as a JSON string
		var text string
		if err := json.Unmarshal(rawArgs, &text); err != nil {
			return Extraction{}, false
		}
		return Extraction{Name: name, Arguments: text}, true
	default:
		return Extraction{}, false
	}
}
