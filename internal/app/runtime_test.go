package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"chatsync/internal/config"
	"chatsync/internal/persistence"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
	}
}

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Backend.BaseURL = "http://127.0.0.1:1"
	cfg.Backend.AnonKey = "anon-key"
	cfg.Logging.Level = "error"

	return cfg
}

func TestInitializeWithWiresAllComponents(t *testing.T) {
	rt, err := InitializeWith(context.Background(), testPaths(t), testConfig())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if rt.DB == nil || rt.Bus == nil || rt.Backend == nil {
		t.Fatal("core infrastructure must be wired")
	}
	if rt.Realtime == nil || rt.Engine == nil || rt.Badges == nil {
		t.Fatal("sync components must be wired")
	}
	if rt.Session == nil || rt.Foreground == nil {
		t.Fatal("session lifecycle must be wired")
	}
	if !rt.Foreground.Foreground() {
		t.Fatal("app must start in the foreground")
	}
	if rt.Session.Token() != "" {
		t.Fatal("fresh runtime must have no session token")
	}
}

func TestInitializeWithWarmLoadsNameCache(t *testing.T) {
	paths := testPaths(t)
	ctx := context.Background()

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		t.Fatalf("pre-create db: %v", err)
	}
	if err := persistence.NewNameRepo(db).UpsertBatch(ctx, map[string]string{"c1": "Alice"}); err != nil {
		t.Fatalf("seed names: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}

	rt, err := InitializeWith(ctx, paths, testConfig())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer func() { _ = rt.Close() }()

	name, ok := rt.Names.DisplayName("c1")
	if !ok || name != "Alice" {
		t.Fatalf("expected warm-loaded name, got %q ok=%v", name, ok)
	}
}

func TestInitializeWithRejectsInvalidBackendURL(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.BaseURL = "ftp://example.com"

	rt, err := InitializeWith(context.Background(), testPaths(t), cfg)
	if err == nil {
		_ = rt.Close()
		t.Fatal("expected error for non-http backend url")
	}
}

func TestSaveAndApplyConfigPersistsToDisk(t *testing.T) {
	paths := testPaths(t)
	rt, err := InitializeWith(context.Background(), paths, testConfig())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer func() { _ = rt.Close() }()

	next := rt.CurrentConfig()
	next.Conversations.PageSize = 35
	if err := rt.SaveAndApplyConfig(next); err != nil {
		t.Fatalf("save config: %v", err)
	}

	if rt.CurrentConfig().Conversations.PageSize != 35 {
		t.Fatalf("expected applied config, got %d", rt.CurrentConfig().Conversations.PageSize)
	}
	if _, err := os.Stat(paths.ConfigFile); err != nil {
		t.Fatalf("expected config file on disk: %v", err)
	}
	reloaded, err := config.Load(paths.ConfigFile)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.Conversations.PageSize != 35 {
		t.Fatalf("expected persisted page size, got %d", reloaded.Conversations.PageSize)
	}
}
