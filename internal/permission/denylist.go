// Package permission decides whether a shell command may run. Every
// request passes a rate limit, the denylist, classification and policy,
// in that order, and every outcome is audited.
package permission

import "strings"

// builtinDenylist covers destructive cleanup that no policy flag may
// approve. Entries are matched against the normalized command padded with
// one space on each side, so a trailing space anchors the end of an
// argument.
var builtinDenylist = []string{
	// Filesystem wipes
	"rm -rf / ",
	"rm -rf /* ",
	"rm -rf ~ ",
	"rm -rf ~/ ",
	"rm -rf * ",
	"rm -rf . ",
	"rm -fr / ",
	"sudo rm -rf ",

	// Build artifacts and repository state
	"rm -rf target/",
	"rm -rf target ",
	"rm -fr target",
	"rm -rf node_modules",
	"rm -rf .git ",
	"rm -rf .git/",

	// Destructive git cleanup
	"git clean -fdx",
	"git clean -xdf",
	"git clean -ffdx",
	"git push --force ",
	"git push -f ",
	"git reset --hard origin",

	// Container cleanup
	"docker system prune",
	"docker volume prune",
	"docker image prune -a",
	"docker container prune",
	"docker rm -f $(docker ps -aq)",

	// Devices and shells
	"mkfs",
	"dd if=/dev/zero of=/dev/",
	"dd if=/dev/random of=/dev/",
	"> /dev/sda",
	"chmod -R 777 / ",
	":(){ :|:& };:",
}

// Denylist matches commands against fixed substrings. Matching is
// case-sensitive and insensitive to runs of whitespace.
type Denylist struct {
	patterns []string
}

// NewDenylist returns the built-in patterns followed by extra. Extra
// patterns are whitespace-normalized; empty ones are ignored.
func NewDenylist(extra []string) *Denylist {
	d := &Denylist{patterns: append([]string(nil), builtinDenylist...)}
	for _, p := range extra {
		if n := normalize(p); n != "" {
			d.patterns = append(d.patterns, n)
		}
	}
	return d
}

// Match returns the first pattern contained in cmd.
func (d *Denylist) Match(cmd string) (string, bool) {
	n := normalize(cmd)
	if n == "" {
		return "", false
	}
	padded := " " + n + " "
	for _, p := range d.patterns {
		if strings.Contains(padded, p) {
			return strings.TrimSpace(p), true
		}
	}
	return "", false
}

// Patterns returns a copy of the active patterns.
func (d *Denylist) Patterns() []string {
	out := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
