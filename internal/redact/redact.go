// Package redact scrubs secrets out of log and audit lines before they are
// written anywhere durable.
package redact

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+)\S+`)
	envSecretPattern = regexp.MustCompile(`([A-Za-z0-9_]*(?:API_KEY|SECRET|TOKEN|PASSWORD)[A-Za-z0-9_]*)=\S+`)
	cliFlagPattern = regexp.MustCompile(`(--api-key|--token|--password)(\s+)('[^']*'|"[^"]*"|\S+)`)
)

// Line redacts bearer tokens, FOO_API_KEY=value environment-style
// assignments, and --api-key/--token/--password CLI flags from s, replacing
// the secret with a <REDACTED> marker.
func Line(s string) string {
	s = bearerPattern.ReplaceAllString(s, "${1}<REDACTED>")
	s = envSecretPattern.ReplaceAllString(s, "${1}=<REDACTED>")
	s = cliFlagPattern.ReplaceAllString(s, "${1} <REDACTED>")
	return s
}
