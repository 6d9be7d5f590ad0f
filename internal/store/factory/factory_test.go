package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/experimentd/internal/store/sqlite"
)

func TestNewFromDSNEmpty(t *testing.T) {
	if _, err := NewFromDSN("  "); err == nil {
		t.Fatal("empty DSN must be rejected")
	}
}

func TestNewFromDSNSQLitePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.db")
	st, err := NewFromDSN(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, ok := st.(*sqlite.DB); !ok {
		t.Fatalf("bare path must select sqlite, got %T", st)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewFromDSNSQLiteScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheme.db")
	st, err := NewFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, ok := st.(*sqlite.DB); !ok {
		t.Fatalf("sqlite:// must select sqlite, got %T", st)
	}
}
