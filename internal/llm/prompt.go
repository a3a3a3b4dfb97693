// Package llm classifies shell commands with a locally served language
// model: prompt construction, response parsing, model lifecycle and the
// CRUD classifier built on top of them.
package llm

import (
	"fmt"
	"strings"
	"unicode"

	"crudgate/internal/types"
)

// SystemPrompt is sent as the system message by chat-style backends.
const SystemPrompt = `You classify shell commands. Respond with exactly ONE word: READ, CREATE, UPDATE, or DELETE.

Rules:
- READ: Lists files, shows content, searches (ls, cat, grep, find)
- CREATE: Makes new files or dirs (touch, mkdir, > redirect)
- UPDATE: Modifies existing (chmod, sed -i, >> append)
- DELETE: Removes files or dirs (rm, rmdir)

Respond with only the classification word.`

// ClassifyMarker precedes the command under classification. The parser
// anchors on its last occurrence so that examples earlier in an echoed
// prompt are never mistaken for the answer.
const ClassifyMarker = "Now classify this command:"

// MaxPromptCommandBytes bounds the command text embedded in a prompt.
const MaxPromptCommandBytes = 2000

const promptRules = `You are a shell command classifier. Classify the following command as exactly one of: READ, CREATE, UPDATE, or DELETE.

CLASSIFICATION RULES:

READ - Retrieves/displays data with NO side effects:
- File inspection: ls, cat, head, tail, find, grep, rg
- Version control inspection: git status, git log, git diff, git show
- Container inspection: docker ps, docker logs, docker images
- Pipes to STDOUT: cmd | grep, cmd | sort, cmd | head

CREATE - Makes new resources:
- File creation: touch, mkdir, echo > file
- Version control: git init, git checkout -b
- Containers and builds: docker build, docker run, cargo build, npm install
- Redirects: cmd > file (overwrites)

UPDATE - Modifies existing resources:
- File modification: echo >> file, sed -i, chmod, chown, mv
- Version control: git add, git commit, git merge, git rebase
- Containers: docker stop, docker start, docker restart
- Appends: cmd >> file

DELETE - Removes resources:
- File/directory removal: rm, rmdir, rm -rf
- Version control: git clean, git branch -d, git reset --hard
- Containers: docker rm, docker rmi, docker system prune
- Package removal: npm uninstall, pip uninstall
`

type promptExample struct {
	command string
	class   types.CrudClassification
	reason  string
}

var promptExamples = []promptExample{
	{"cargo tree --depth 1", types.ClassRead, "Only displays dependency tree to STDOUT"},
	{"docker logs app 2>&1 | grep ERROR", types.ClassRead, "Stderr redirect to stdout, then pipe - no file creation"},
	{"ls -la > files.txt", types.ClassCreate, "Redirect creates/overwrites files.txt"},
	{"echo test >> log.txt", types.ClassUpdate, "Append operator updates log.txt"},
	{"npm install express", types.ClassCreate, "Installs package, creates node_modules"},
	{"cargo fmt", types.ClassUpdate, "Modifies source files in place"},
	{"find . -name \"*.tmp\" -delete", types.ClassDelete, "-delete flag removes files"},
}

// BuildPrompt renders the classification prompt for command. The output
// is a pure function of its inputs.
func BuildPrompt(command string, corrections []Correction) string {
	var b strings.Builder
	b.WriteString(promptRules)

	b.WriteString("\nEXAMPLES:\n\n")
	for _, ex := range promptExamples {
		fmt.Fprintf(&b, "Command: %s\nClassification: %s\nReason: %s\n\n", ex.command, ex.class, ex.reason)
	}

	if len(corrections) > 0 {
		b.WriteString("IMPORTANT: Learn from these user-corrected examples:\n\n")
		for _, c := range corrections {
			fmt.Fprintf(&b, "Command: %s\nWRONG: %s | CORRECT: %s\n\n",
				oneLine(c.Command), strings.ToUpper(c.Predicted), strings.ToUpper(c.Expected))
		}
	}

	b.WriteString(ClassifyMarker)
	b.WriteString(" (respond with ONLY one word)\n")
	fmt.Fprintf(&b, "Command: %s\nClassification:", truncateCommand(command))
	return b.String()
}

func truncateCommand(cmd string) string {
	cmd = oneLine(strings.TrimSpace(cmd))
	if len(cmd) <= MaxPromptCommandBytes {
		return cmd
	}
	cut := MaxPromptCommandBytes
	for cut > 0 && !isRuneStart(cmd[cut]) {
		cut--
	}
	return cmd[:cut] + " ..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// oneLine keeps a multi-line command from forging prompt structure.
func oneLine(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\r", " ")), " ")
}

// answerPrefixes are labels models put in front of the answer word.
var answerPrefixes = []string{
	"Classification:",
	"Answer:",
	"Result:",
	"Type:",
	"CRUD:",
	"Operation:",
}

// ParseClassification extracts a classification from raw model output.
// Output that echoes the prompt is anchored on the last ClassifyMarker.
// Anything unrecognizable yields ClassUnknown.
func ParseClassification(raw string) types.CrudClassification {
	line, rest := anchorOnMarker(raw)
	if c := parseAnswer(rest); c.Valid() {
		return c
	}

	// Some models answer on the command's own line.
	if i := strings.LastIndex(line, answerPrefixes[0]); i >= 0 {
		if fields := strings.Fields(line[i+len(answerPrefixes[0]):]); len(fields) > 0 {
			if c := types.ParseCrudClassification(trimWord(fields[0])); c.Valid() {
				return c
			}
		}
	}
	return types.ClassUnknown
}

func parseAnswer(s string) types.CrudClassification {
	for _, prefix := range answerPrefixes {
		idx := strings.Index(s, prefix)
		if idx < 0 {
			continue
		}
		fields := strings.Fields(s[idx+len(prefix):])
		if len(fields) == 0 {
			continue
		}
		if c := types.ParseCrudClassification(trimWord(fields[0])); c.Valid() {
			return c
		}
	}

	for _, f := range strings.Fields(s) {
		if c := types.ParseCrudClassification(trimWord(f)); c.Valid() {
			return c
		}
	}
	return types.ClassUnknown
}

// anchorOnMarker splits raw after the last marker into the classified
// command's line and the text following it. Without a marker the whole of
// raw is the rest.
func anchorOnMarker(raw string) (line, rest string) {
	idx := strings.LastIndex(raw, ClassifyMarker)
	if idx < 0 {
		return "", strings.TrimSpace(raw)
	}
	rest = raw[idx+len(ClassifyMarker):]
	if c := strings.Index(rest, "Command:"); c >= 0 {
		rest = rest[c:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			line, rest = rest[:nl], rest[nl+1:]
		} else {
			line, rest = rest, ""
		}
	}
	return line, strings.TrimSpace(rest)
}

func trimWord(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
