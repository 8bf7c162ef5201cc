// abort.go detects natural-language stop phrases so a bare "stop" (in any
// supported language) sent to a session with active subagents kills them all
// without requiring the /kill syntax.
package subagents

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// killTriggers are standalone phrases that stop all of a session's
// subagents. Matched after NFKC normalization, lowercasing, and punctuation
// stripping.
var killTriggers = map[string]bool{
	// English
	"stop": true, "abort": true, "halt": true, "interrupt": true,
	"please stop": true, "stop please": true,
	"stop everything": true, "stop all": true,
	"stop the subagents": true, "stop subagents": true,

	// Portuguese
	"pare": true, "parar": true, "pare agora": true,
	"cancela": true, "cancelar": true, "interromper": true,

	// Spanish
	"detente": true, "deten": true, "detén": true, "alto": true,

	// French
	"arrete": true, "arrête": true, "arreter": true, "arrêter": true,

	// German
	"stopp": true, "anhalten": true, "aufhören": true,

	// Chinese / Japanese
	"停止": true, "停": true, "やめて": true, "止めて": true, "ストップ": true,

	// Russian
	"стоп": true, "стой": true, "остановись": true, "прекрати": true,
}

var trailingPunctRE = regexp.MustCompile(`[.!?…,，。;；:：'"'")\]}]+$`)

// IsKillTrigger reports whether text is a standalone stop phrase.
func IsKillTrigger(text string) bool {
	normalized := normalizeKillText(text)
	if normalized == "" {
		return false
	}
	return killTriggers[normalized]
}

// normalizeKillText lowercases, NFKC-normalizes, strips leading @mentions
// and trailing punctuation, and collapses whitespace.
func normalizeKillText(text string) string {
	normalized := strings.ToLower(norm.NFKC.String(text))

	fields := strings.Fields(normalized)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	normalized = strings.Join(kept, " ")

	normalized = trailingPunctRE.ReplaceAllString(normalized, "")
	return strings.TrimSpace(normalized)
}
