package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmdPrintsVersionAndCommit(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	Version, Commit = "1.2.3", "abcdef"
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abcdef") {
		t.Fatalf("expected version output to contain version and commit, got %q", got)
	}
}
