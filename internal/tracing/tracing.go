package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// DefaultRedactedKeywords are the lowercase keywords whose trailing values are
// scrubbed from error messages before they reach spans or logs.
var DefaultRedactedKeywords = KeywordSet("password", "token", "secret", "apikey", "api_key", "authorization", "bearer")

// KeywordSet builds a lowercase lookup set from keywords.
func KeywordSet(keywords ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// RedactSecretsInString replaces whatever follows a sensitive keyword on a
// line with "[REDACTED]". Matching is case-insensitive and heuristic: the
// keyword, then any run of ":= '\"" separators, then the value to the end of
// the line.
func RedactSecretsInString(input string, keywords map[string]struct{}) string {
	if len(keywords) == 0 || input == "" {
		return input
	}

	redacted := false
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for keyword := range keywords {
			idx := strings.Index(lower, keyword)
			if idx == -1 {
				continue
			}
			start := idx + len(keyword)
			for start < len(line) && strings.ContainsRune(":= '\"", rune(line[start])) {
				start++
			}
			if start < len(line) {
				lines[i] = line[:start] + "[REDACTED]"
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return input
	}
	return strings.Join(lines, "\n")
}

// RedactSecretsInError returns err unchanged when nothing needs scrubbing,
// otherwise a plain error carrying the redacted message.
func RedactSecretsInError(err error, keywords map[string]struct{}) error {
	if err == nil || len(keywords) == 0 {
		return err
	}
	msg := err.Error()
	if redacted := RedactSecretsInString(msg, keywords); redacted != msg {
		return errors.New(redacted)
	}
	return err
}

// RecordErrorWithContext records err on span with a redacted message and
// marks the span as failed. Nil errors and non-recording spans are ignored.
func RecordErrorWithContext(span oteltrace.Span, err error, keywords map[string]struct{}) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := RedactSecretsInString(err.Error(), keywords)
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}
