package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	devapp "fieldsync/server/devbackend/app"
	"fieldsync/server/mobilesync/domain"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.0", "abc123"
	defer func() { Version, Commit = origVersion, origCommit }()

	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "fieldsync 1.2.0") || !strings.Contains(out, "commit: abc123") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdListsSubcommands(t *testing.T) {
	out, err := runCmd(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"login", "logout", "status", "sync", "chat", "upload", "ack", "watch", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	t.Setenv("FIELDSYNC_PASSWORD", "")
	if _, err := runCmd(t, "login", "--email", "field@fieldsync.dev"); err == nil {
		t.Fatal("login without password succeeded")
	}
}

func TestReplyAfter(t *testing.T) {
	chat := []domain.ChatMessage{
		{ID: "1", Role: domain.RoleUser},
		{ID: "a", Role: domain.RoleAssistant, Content: "old answer"},
		{ID: "2", Role: domain.RoleUser},
		{ID: "b", Role: domain.RoleAssistant, Content: "new answer"},
	}
	tests := []struct {
		id, want string
	}{
		{"1", "old answer"},
		{"2", "new answer"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := replyAfter(chat, tt.id); got != tt.want {
			t.Errorf("replyAfter(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSessionSurvivesAcrossCommands(t *testing.T) {
	backend, err := devapp.NewServer(devapp.Config{Port: "0", JWTSecret: "cli-secret", JWTTTLMinutes: 60, SeedPassword: "pw"})
	if err != nil {
		t.Fatalf("devbackend: %v", err)
	}
	srv := httptest.NewServer(backend.HTTPServer.Handler)
	defer srv.Close()

	t.Setenv("FIELDSYNC_API_BASE_URL", srv.URL)
	t.Setenv("FIELDSYNC_CHANNEL_BASE_URL", "")
	t.Setenv("FIELDSYNC_STORE_BACKEND", "sqlite")
	t.Setenv("FIELDSYNC_SQLITE_PATH", filepath.Join(t.TempDir(), "state", "fieldsync.db"))
	t.Setenv("FIELDSYNC_RECONNECT_DELAY_MS", "100")

	out, err := runCmd(t, "login", "--email", "field@fieldsync.dev", "--password", "pw")
	if err != nil || !strings.Contains(out, "logged in as u-field-1") {
		t.Fatalf("login: %v\n%s", err, out)
	}

	out, err = runCmd(t, "status")
	if err != nil || !strings.Contains(out, "user:            u-field-1") {
		t.Fatalf("status after login: %v\n%s", err, out)
	}

	out, err = runCmd(t, "chat", "--wait", "5s", "Summarize", "Villa", "100")
	if err != nil || !strings.Contains(out, "3 open actions") {
		t.Fatalf("chat: %v\n%s", err, out)
	}

	if out, err = runCmd(t, "logout"); err != nil {
		t.Fatalf("logout: %v\n%s", err, out)
	}
	out, err = runCmd(t, "status")
	if err != nil || !strings.Contains(out, "logged in:       false") {
		t.Fatalf("status after logout: %v\n%s", err, out)
	}
}
