package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CheckDepth walks raw JSON token-by-token (never unmarshaling into
// interface{}, so a pathologically deep document can't blow the Go call
// stack or allocate a giant tree before being rejected) and rejects
// documents nested deeper than maxDepth or containing an array/object with
// more than maxCollection immediate elements.
func CheckDepth(data []byte, maxDepth, maxCollection int) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	type frame struct {
		count int
	}
	var stack []frame

	for {
		tok, err := dec.Token()
		if err != nil {
			break // io.EOF or a structural error the outer Unmarshal already caught
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				if len(stack) > 0 {
					stack[len(stack)-1].count++
				}
				stack = append(stack, frame{})
				if len(stack) > maxDepth {
					return fmt.Errorf("%w: depth %d exceeds %d", ErrTooDeep, len(stack), maxDepth)
				}
			case '}', ']':
				if len(stack) == 0 {
					return fmt.Errorf("protocol: unbalanced JSON")
				}
				top := stack[len(stack)-1]
				if top.count > maxCollection {
					return fmt.Errorf("%w: %d elements exceeds %d", ErrCollectionTooBig, top.count, maxCollection)
				}
				stack = stack[:len(stack)-1]
			}
		default:
			if len(stack) > 0 {
				stack[len(stack)-1].count++
			}
		}
	}
	return nil
}
