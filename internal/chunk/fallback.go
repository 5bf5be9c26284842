package chunk

import "strings"

// windowSize is the fixed window length, in lines, used when no
// language-specific chunk is identified for a non-empty file.
const windowSize = 50

// fallbackWindows covers source with non-overlapping 50-line windows,
// chunk_type code_block. The last window may be shorter. Whitespace-only
// windows are dropped, per the chunker's non-empty-chunk contract.
func fallbackWindows(source []byte) []Chunk {
	lines := splitLinesKeepEnds(string(source))
	if len(lines) == 0 {
		return nil
	}

	var chunks []Chunk
	for start := 0; start < len(lines); start += windowSize {
		end := min(start+windowSize, len(lines))
		content := strings.Join(lines[start:end], "")
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:   content,
			StartLine: start + 1,
			EndLine:   end,
			Type:      TypeCodeBlock,
		})
	}
	return chunks
}

// splitLinesKeepEnds splits s into lines, preserving each line's trailing
// newline so that joining a contiguous sub-slice reproduces the original
// text verbatim.
func splitLinesKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
