package audit

import (
	"regexp"
	"sort"
	"strings"
)

// credentialPattern recognizes one kind of secret inside a command line.
type credentialPattern struct {
	name string
	re   *regexp.Regexp
}

var credentialPatterns = []credentialPattern{
	{"aws_access_key", regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws.{0,20}?(?:secret|access.?key).{0,20}?['"]?[0-9a-zA-Z/+=]{40}['"]?`)},
	{"api_key", regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*['"]?[0-9a-zA-Z\-_]{16,}['"]?`)},
	{"password", regexp.MustCompile(`(?i)passw(?:or)?d\s*[:=]\s*['"]?[^\s'"]{6,}['"]?`)},
	{"database_url", regexp.MustCompile(`(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:/\s]+:[^@\s]+@`)},
	{"jwt", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----(?s:.*?)(?:-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----|$)`)},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.=]+`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{20,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z\-]+`)},
	{"stripe_key", regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24,}`)},
	{"google_api_key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"secret", regexp.MustCompile(`(?i)secret\s*[:=]\s*['"]?[^\s'"]{16,}['"]?`)},
	{"token", regexp.MustCompile(`(?i)token\s*[:=]\s*['"]?[a-zA-Z0-9\-_.]{20,}['"]?`)},
}

// Redact masks a secret as prefix***suffix. Short values are fully masked.
func Redact(s string) string {
	if len(s) <= 8 {
		return "*****"
	}
	n := min(4, len(s)/4)
	return s[:n] + "***" + s[len(s)-n:]
}

type span struct{ start, end int }

// SanitizeCommand replaces credentials in cmd with redacted forms.
// Overlapping matches are resolved in favour of the earliest.
func SanitizeCommand(cmd string) string {
	var spans []span
	for _, p := range credentialPatterns {
		for _, loc := range p.re.FindAllStringIndex(cmd, -1) {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	if len(spans) == 0 {
		return cmd
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var b strings.Builder
	last := 0
	for _, s := range spans {
		if s.start < last {
			continue
		}
		b.WriteString(cmd[last:s.start])
		b.WriteString(Redact(cmd[s.start:s.end]))
		last = s.end
	}
	b.WriteString(cmd[last:])
	return b.String()
}

// ContainsCredentials reports whether cmd matches any credential pattern.
func ContainsCredentials(cmd string) bool {
	for _, p := range credentialPatterns {
		if p.re.MatchString(cmd) {
			return true
		}
	}
	return false
}
