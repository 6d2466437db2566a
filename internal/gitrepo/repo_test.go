package gitrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrailer_String(t *testing.T) {
	tr := Trailer{Key: "Reviewed-by", Value: "Jane Doe <jane@example.com>"}
	assert.Equal(t, "Reviewed-by: Jane Doe <jane@example.com>", tr.String())
}

func TestIsValidRef(t *testing.T) {
	cases := []struct {
		ref   string
		valid bool
	}{
		{"main", true},
		{"feature/foo-bar", true},
		{"release-1.2.3", true},
		{"", false},
		{"../etc/passwd", false},
		{"feature/../../etc", false},
		{"-rm-rf", false},
		{"has space", false},
		{"feature$(rm)", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, isValidRef(tc.ref), "ref=%q", tc.ref)
	}
}

func TestIsValidRef_RejectsOverlongRef(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, isValidRef(string(long)))
}

func TestIsRebaseConflict(t *testing.T) {
	assert.True(t, isRebaseConflict(&GitError{Output: "CONFLICT (content): Merge conflict in file.go"}))
	assert.True(t, isRebaseConflict(&GitError{Output: "error: could not apply abc123... commit message"}))
	assert.False(t, isRebaseConflict(&GitError{Output: "fatal: not a git repository"}))
	assert.False(t, isRebaseConflict(&GitError{}))
}

func TestFilterGitEnv_StripsWorktreeOverrides(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"GIT_DIR=/tmp/other/.git",
		"GIT_WORK_TREE=/tmp/other",
		"HOME=/root",
	}
	filtered := filterGitEnv(env)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, filtered)
}
