// Package digest produces token-bounded previews of large opaque JSON blobs
// for audit and log lines, so a big LLM recommendation payload never blows
// up the audit file. The workflow's own stored copy is never touched.
package digest

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

var encoding = mustEncoding()

func mustEncoding() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return enc
}

// Preview returns raw unchanged if its estimated token count is at or below
// limit; otherwise it returns a preview covering roughly the first limit
// tokens, followed by a truncation marker naming the full token count. If
// limit is not positive or the cl100k_base encoding could not be loaded,
// raw is returned unchanged.
func Preview(raw string, limit int) string {
	if limit <= 0 || encoding == nil {
		return raw
	}
	tokens := encoding.Encode(raw, nil, nil)
	if len(tokens) <= limit {
		return raw
	}
	head := encoding.Decode(tokens[:limit])
	return fmt.Sprintf("%s...(truncated, %d tokens)", head, len(tokens))
}
