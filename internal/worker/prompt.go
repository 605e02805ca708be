package worker

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseConfig splits a resolved config blob into its variant and prompt
// template. The first line may carry "model: <variant>/<name>"; otherwise
// the whole blob is the template and the variant must come from task
// metadata.
func ParseConfig(data []byte) (model, template string) {
	content := string(data)
	line, rest, found := strings.Cut(content, "\n")
	if m, ok := strings.CutPrefix(strings.TrimSpace(line), "model:"); ok {
		if !found {
			rest = ""
		}
		return strings.TrimSpace(m), rest
	}
	return "", content
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// ExpandTemplate substitutes every {{key}} occurrence (whitespace-tolerant
// inside the braces) with the input value for key. Values that look like
// content hashes are resolved through resolve first; everything else is
// used verbatim. A placeholder with no input value fails the expansion.
func ExpandTemplate(template string, inputs map[string]string, isHash func(string) bool, resolve func(hash string) (string, error)) (string, error) {
	var expandErr error
	expanded := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		if expandErr != nil {
			return match
		}
		key := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := inputs[key]
		if !ok {
			expandErr = fmt.Errorf("no input value for placeholder %q", key)
			return match
		}
		if isHash != nil && isHash(value) {
			resolved, err := resolve(value)
			if err != nil {
				expandErr = fmt.Errorf("resolve input %q: %w", key, err)
				return match
			}
			return resolved
		}
		return value
	})
	if expandErr != nil {
		return "", expandErr
	}
	return expanded, nil
}

// ExtractResult pulls the text strictly between the first <result> and the
// next </result>. A missing closing tag extends the extraction to the end
// of the text. When no opening tag exists the raw text is returned
// unchanged and found is false so the caller can log the fallback.
func ExtractResult(text string) (result string, found bool) {
	const openTag, closeTag = "<result>", "</result>"
	i := strings.Index(text, openTag)
	if i < 0 {
		return text, false
	}
	rest := text[i+len(openTag):]
	if j := strings.Index(rest, closeTag); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest), true
}
