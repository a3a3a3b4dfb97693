package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDenylist_Builtins(t *testing.T) {
	t.Parallel()
	d := NewDenylist(nil)
	cases := []struct {
		cmd     string
		pattern string
		denied  bool
	}{
		{"rm -rf target/", "rm -rf target/", true},
		{"  rm   -rf\ttarget/  ", "rm -rf target/", true},
		{"cd app && rm -rf target", "rm -rf target", true},
		{"rm -rf /", "rm -rf /", true},
		{"git clean -fdx", "git clean -fdx", true},
		{"git push --force origin main", "git push --force", true},
		{"docker system prune -af", "docker system prune", true},
		{"mkfs.ext4 /dev/sdb1", "mkfs", true},
		{"rm -rf /tmp/build-cache", "", false},
		{"rm -rf targets-old", "", false},
		{"git push origin main", "", false},
		{"ls -la", "", false},
		{"RM -RF target/", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			p, ok := d.Match(tc.cmd)
			assert.Equal(t, tc.denied, ok)
			assert.Equal(t, tc.pattern, p)
		})
	}
}

func TestDenylist_ConfiguredPatternsAppend(t *testing.T) {
	t.Parallel()
	d := NewDenylist([]string{"terraform   destroy", "", "  "})

	p, ok := d.Match("terraform destroy -auto-approve")
	assert.True(t, ok)
	assert.Equal(t, "terraform destroy", p)

	_, ok = d.Match("rm -rf target/")
	assert.True(t, ok, "built-ins stay active")
	assert.Len(t, d.Patterns(), len(builtinDenylist)+1)
}
