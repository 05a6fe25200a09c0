package mongo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

type rewriteRule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// rule compiles pattern anchored at the current scan position.
func rule(name, pattern, replacement string) rewriteRule {
	return rewriteRule{name: name, pattern: regexp.MustCompile(`^(?:` + pattern + `)`), replacement: replacement}
}

// normalizeRules turn the shell's pseudo-constructor literals into plain
// JSON. Dates, timestamps, ids and binary payloads become quoted strings
// holding the wrapped value; wrapped integers become bare numbers. The
// first rule matching at a position wins.
var normalizeRules = []rewriteRule{
	rule("ISODate", `ISODate\(\s*"([^"]*)"\s*\)`, `"${1}"`),
	rule("Date", `(?:new\s+)?Date\(\s*(-?\d+)\s*\)`, `"${1}"`),
	rule("Timestamp", `Timestamp\(\s*(\d+)\s*,\s*(\d+)\s*\)`, `"${1}, ${2}"`),
	rule("TimestampDoc", `Timestamp\(\s*\{\s*t:\s*(\d+)\s*,\s*i:\s*(\d+)\s*\}\s*\)`, `"${1}, ${2}"`),
	rule("ObjectId", `ObjectId\(\s*"([0-9a-fA-F]*)"\s*\)`, `"${1}"`),
	rule("UUID", `UUID\(\s*"([^"]*)"\s*\)`, `"${1}"`),
	rule("BinData", `BinData\(\s*\d+\s*,\s*"([^"]*)"\s*\)`, `"${1}"`),
	rule("NumberLong", `NumberLong\(\s*"?(-?\d+)"?\s*\)`, `${1}`),
	rule("NumberInt", `NumberInt\(\s*"?(-?\d+)"?\s*\)`, `${1}`),
	rule("NumberDecimal", `NumberDecimal\(\s*"([^"]*)"\s*\)`, `"${1}"`),
}

// Normalize rewrites shell literals so the text can be decoded as JSON.
// String values are copied untouched: messages such as a heartbeat's
// "{ ts: Timestamp(1709288100, 1), t: 3 }" stay as printed.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); {
		c := text[i]
		if c == '"' {
			end := stringEnd(text, i)
			b.WriteString(text[i:end])
			i = end
			continue
		}
		if isLetter(c) && (i == 0 || !isIdent(text[i-1])) {
			if n, ok := rewriteAt(&b, text[i:]); ok {
				i += n
				continue
			}
		}
		b.WriteByte(c)
		i++
	}

	return b.String()
}

// rewriteAt applies the first rule matching at the start of text and
// reports how many bytes it consumed.
func rewriteAt(b *strings.Builder, text string) (int, bool) {
	for _, r := range normalizeRules {
		m := r.pattern.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		b.Write(r.pattern.ExpandString(nil, r.replacement, text, m))
		return m[1], true
	}
	return 0, false
}

// stringEnd returns the index just past the string literal opening at
// start, or len(text) when it is never closed.
func stringEnd(text string, start int) int {
	for i := start + 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(text)
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdent(c byte) bool {
	return isLetter(c) || c >= '0' && c <= '9' || c == '_' || c == '$'
}

// stripNoise drops the shell banner, warnings and anything else printed
// around the document: output starts at the first line opening with "{"
// and ends at the last "}".
func stripNoise(out string) string {
	start := -1
	offset := 0
	for _, line := range strings.SplitAfter(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			start = offset + strings.Index(line, "{")
			break
		}
		offset += len(line)
	}
	if start < 0 {
		return ""
	}

	end := strings.LastIndex(out, "}")
	if end < start {
		return ""
	}
	return out[start : end+1]
}

// ParseOutput decodes the output of a shell invocation. It never fails:
// output without a decodable document yields a Result with OK false and
// ParseErr set.
func ParseOutput(out []byte) *Result {
	body := stripNoise(string(out))
	if body == "" {
		return &Result{
			MyState:  StateAbsent,
			ParseErr: fmt.Errorf("%w: no document in shell output", failure.ErrStructuredParse),
		}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(Normalize(body)), &doc); err != nil {
		return &Result{
			MyState:  StateAbsent,
			ParseErr: fmt.Errorf("%w: %w", failure.ErrStructuredParse, err),
		}
	}

	return resultFromDoc(doc)
}
