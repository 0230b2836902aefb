package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", tmpDir)
	if got := BaseDir(); got != tmpDir {
		t.Errorf("BaseDir() = %q, want %q", got, tmpDir)
	}
	if got := ConfigPath(); got != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"store", StorePath("test"), filepath.Join("sessions", "test", "chatsync.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "chatsyncd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("%s path = %q, want suffix %s", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}
