package tokencache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehr/portal/internal/platform/baas"
)

func TestFile_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	f := NewFile(path)

	s, err := f.Load(ctx)
	if err != nil || s != nil {
		t.Fatalf("expected empty cache, got %v, %v", s, err)
	}

	in := &baas.Session{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    1700000000,
		User:         baas.User{ID: "u1", Email: "a@x.com"},
	}
	if err := f.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	out, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.AccessToken != "at" || out.RefreshToken != "rt" || out.ExpiresAt != 1700000000 || out.User.ID != "u1" {
		t.Errorf("unexpected session %+v", out)
	}

	if err := f.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := f.Clear(ctx); err != nil {
		t.Fatalf("second clear should be a no-op: %v", err)
	}
	if s, _ := f.Load(ctx); s != nil {
		t.Errorf("expected cleared cache, got %+v", s)
	}
}

func TestFile_CorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(path).Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestDefaultFilePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	p, err := DefaultFilePath("")
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if filepath.Base(p) != "session-default.json" {
		t.Errorf("unexpected path %s", p)
	}
}
