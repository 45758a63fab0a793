package chat

import "regexp"

var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.)`)

// ContainsLink reports whether content looks like it carries a URL.
func ContainsLink(content string) bool {
	return linkPattern.MatchString(content)
}
