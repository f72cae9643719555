package profile

import "strings"

const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

var sentenceEnds = []string{". ", ".\n", "! ", "!\n", "? ", "?\n"}

// Chunk splits text into overlapping windows of at most size runes. A window
// is cut at a sentence end when one falls in its last 30%.
func Chunk(text string, size, overlap int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{strings.TrimSpace(text)}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		chunk := string(runes[start:end])

		if end < len(runes) {
			for _, punct := range sentenceEnds {
				idx := strings.LastIndex(chunk, punct)
				if idx < 0 {
					continue
				}
				cut := len([]rune(chunk[:idx])) + 1
				if float64(cut-1) > float64(size)*0.7 {
					chunk = string(runes[start : start+cut])
					end = start + cut
					break
				}
			}
		}

		chunks = append(chunks, strings.TrimSpace(chunk))
		if end >= len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}
