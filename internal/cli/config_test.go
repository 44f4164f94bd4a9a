package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfigCmdPrintsRenderedTOML(t *testing.T) {
	t.Setenv("GATEWAY_HOME", t.TempDir())

	cmd := newConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected non-empty rendered config")
	}
	if !strings.Contains(out.String(), "mode") {
		t.Fatalf("expected rendered config to contain security mode field, got %q", out.String())
	}
}
