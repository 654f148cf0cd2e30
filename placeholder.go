package dragonscale

import (
	"regexp"
	"strings"
)

// placeholderPatterns match template values a reasoning service emits when it
// does not know a concrete value yet.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^<[^<>]*>$`),                   // <recipient_id>
	regexp.MustCompile(`^\{\{.*\}\}$`),                 // {{user_id}}
	regexp.MustCompile(`^\$\{.*\}$`),                   // ${task1_output}
	regexp.MustCompile(`^\$[A-Za-z_][A-Za-z0-9_.]*$`),  // $prev.user_id
	regexp.MustCompile(`^(?i)\[[a-z _-]*(id|name)\]$`), // [contact id]
	regexp.MustCompile(`^(?i)(resolved|mapped|previous|prior)_[a-z_]+$`),
}

var placeholderWords = map[string]struct{}{
	"placeholder":     {},
	"unknown":         {},
	"tbd":             {},
	"todo":            {},
	"n/a":             {},
	"none":            {},
	"null":            {},
	"undefined":       {},
	"user_id":         {},
	"recipient":       {},
	"recipient_id":    {},
	"conversation_id": {},
	"contact_id":      {},
	"id":              {},
}

// IsPlaceholder reports whether v is absent, empty or an obvious template
// placeholder rather than a concrete value.
func IsPlaceholder(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return true
		}
		if _, ok := placeholderWords[strings.ToLower(s)]; ok {
			return true
		}
		for _, re := range placeholderPatterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsConcrete is the negation of IsPlaceholder.
func IsConcrete(v interface{}) bool {
	return !IsPlaceholder(v)
}
