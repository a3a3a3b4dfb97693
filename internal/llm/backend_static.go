package llm

import (
	"context"
	"strings"

	"crudgate/internal/types"
)

// StaticBackend answers from a keyword table instead of a model. It is
// used offline and in tests; its answers are deterministic.
type StaticBackend struct {
	rules []staticRule
}

type staticRule struct {
	class    types.CrudClassification
	keywords []string
}

// Rules are checked in order; the first keyword found wins.
var defaultStaticRules = []staticRule{
	{types.ClassDelete, []string{"rm ", "rmdir", "git clean", "git branch -d", "git reset --hard", "docker rm", "docker system prune", "uninstall", "-delete"}},
	{types.ClassUpdate, []string{">>", "sed -i", "chmod", "chown", "mv ", "git add", "git commit", "git merge", "git rebase", "git push", "docker stop", "docker start", "docker restart", "cargo fmt"}},
	{types.ClassCreate, []string{">", "touch", "mkdir", "git init", "git checkout -b", "docker build", "docker run", "cargo build", "npm install", "pip install"}},
	{types.ClassRead, []string{"ls", "cat", "head", "tail", "find", "grep", "rg", "git status", "git log", "git diff", "git show", "docker ps", "docker logs", "docker images", "pwd", "echo", "tree"}},
}

// NewStaticBackend returns a backend using the built-in keyword table.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{rules: defaultStaticRules}
}

// Name returns the backend name.
func (b *StaticBackend) Name() string { return "static" }

// Load always succeeds.
func (b *StaticBackend) Load(context.Context, ArtifactSource) (Session, error) {
	return &staticSession{rules: b.rules}, nil
}

type staticSession struct {
	rules []staticRule
}

// Generate classifies the command following the last "Command:" line.
func (s *staticSession) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cmd := req.Prompt
	if idx := strings.LastIndex(cmd, "Command:"); idx >= 0 {
		cmd = cmd[idx+len("Command:"):]
		if nl := strings.IndexByte(cmd, '\n'); nl >= 0 {
			cmd = cmd[:nl]
		}
	}
	cmd = " " + strings.ToLower(strings.TrimSpace(cmd)) + " "
	for _, r := range s.rules {
		for _, kw := range r.keywords {
			if strings.Contains(cmd, kw) {
				return r.class.String(), nil
			}
		}
	}
	return "UNKNOWN", nil
}

// Close is a no-op.
func (s *staticSession) Close(context.Context) error { return nil }
