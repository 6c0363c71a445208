package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logxNop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logxNop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")

			st, err := Open(Config{Driver: driver, Path: path}, logxNop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, ok, err := st.Get(ctx, KeySessionToken); err != nil || ok {
				t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
			}
			if err := st.Put(ctx, KeySessionToken, "t1"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, KeySessionToken, "t2"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, KeyBackupLastPrefix+"b2", "2026-01-02T00:00:00Z"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, KeyBackupLastPrefix+"b1", "2026-01-01T00:00:00Z"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen and check persistence.
			st, err = Open(Config{Driver: driver, Path: path}, logxNop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()

			e, ok, err := st.Get(ctx, KeySessionToken)
			if err != nil || !ok || e.Value != "t2" {
				t.Fatalf("Get = %+v, %v, %v; want t2", e, ok, err)
			}
			if e.UpdatedAt.IsZero() {
				t.Fatal("UpdatedAt not set")
			}
			list, err := st.List(ctx, KeyBackupLastPrefix)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].Key != KeyBackupLastPrefix+"b1" || list[1].Key != KeyBackupLastPrefix+"b2" {
				t.Fatalf("List = %+v", list)
			}
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logxNop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.Put(context.Background(), "k", "v"); err != ErrClosed {
		t.Fatalf("Put after close = %v, want ErrClosed", err)
	}
}
