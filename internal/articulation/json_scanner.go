package articulation

// span is a half-open byte range [start, end) of the scanned text.
type span struct {
	start, end int
}

// balancedObjects returns every top-level balanced {...} span in s, in order
// of appearance. Braces inside JSON strings are ignored, as are stray closing
// braces before any opening one. An object left open at end of input is not
// reported.
//
// Scanning bytes is safe for the ASCII delimiters involved: UTF-8 never uses
// them inside multi-byte sequences.
func balancedObjects(s string) []span {
	var (
		spans    []span
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			// Quotes only open strings once an object is open.
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, span{start: start, end: i + 1})
				start = -1
			}
		}
	}
	return spans
}

// outermostObjects returns the substrings for balancedObjects(s).
func outermostObjects(s string) []string {
	spans := balancedObjects(s)
	if len(spans) == 0 {
		return nil
	}
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = s[sp.start:sp.end]
	}
	return out
}
