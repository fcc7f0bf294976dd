package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildTaskforceBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "taskforce")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/taskforce")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/taskforce failed: %v\n%s", err, buf.String())
	}
	return outPath
}

func TestSmoke_BinaryRunsOfflineCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	bin := buildTaskforceBinary(t)
	home := t.TempDir()

	run := func(args ...string) (string, error) {
		cmd := exec.Command(bin, args...)
		cmd.Env = append(os.Environ(), "TASKFORCE_HOME="+home, "TASKFORCE_DEFAULT_SCOPE=")
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	out, err := run("version")
	if err != nil || !strings.HasPrefix(out, "v") {
		t.Fatalf("version: %v %q", err, out)
	}
	out, err = run("help")
	if err != nil || !strings.Contains(out, "taskforce <command>") {
		t.Fatalf("help: %v %q", err, out)
	}
	out, err = run("knowledge", "add", "-title", "Tone", "Friendly", "and", "short")
	if err != nil || !strings.Contains(out, "added") {
		t.Fatalf("knowledge add: %v %q", err, out)
	}
	if _, err := os.Stat(filepath.Join(home, "taskforce.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	out, err = run("board")
	if err != nil || !strings.Contains(out, "INBOX (0)") {
		t.Fatalf("board: %v %q", err, out)
	}
}
