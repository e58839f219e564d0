package location

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	p := Fixed{Lat: 47.6, Lon: -122.3, Accuracy: 5}
	fix, err := p.CurrentFix(context.Background(), true, time.Second)
	if err != nil {
		t.Fatalf("CurrentFix() failed: %v", err)
	}
	if fix.Lat != 47.6 || fix.Lon != -122.3 || fix.Accuracy != 5 {
		t.Errorf("fix = %+v", fix)
	}
	if !Permitted(context.Background(), p) {
		t.Error("Fixed should always be permitted")
	}
}

func TestFile(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "fix.json")

	p := NewFile(path, 2*time.Minute)
	p.now = func() time.Time { return now }

	if p.Permitted(context.Background()) {
		t.Error("missing file should not be permitted")
	}
	if _, err := p.CurrentFix(context.Background(), false, time.Second); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CurrentFix() = %v, want ErrPermissionDenied", err)
	}

	fresh := `{"lat": 10.5, "lon": 20.25, "accuracy": 3, "heading": 90, "ts": 1717243170}`
	if err := os.WriteFile(path, []byte(fresh), 0644); err != nil {
		t.Fatal(err)
	}
	if !p.Permitted(context.Background()) {
		t.Error("existing file should be permitted")
	}
	fix, err := p.CurrentFix(context.Background(), false, time.Second)
	if err != nil {
		t.Fatalf("CurrentFix() failed: %v", err)
	}
	if fix.Lat != 10.5 || fix.Lon != 20.25 || fix.Heading == nil || *fix.Heading != 90 {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Speed != nil {
		t.Errorf("speed = %v, want nil", *fix.Speed)
	}

	stale := `{"lat": 10.5, "lon": 20.25, "accuracy": 3, "ts": 1717243000}`
	if err := os.WriteFile(path, []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CurrentFix(context.Background(), false, time.Second); !errors.Is(err, ErrStaleFix) {
		t.Errorf("CurrentFix() = %v, want ErrStaleFix", err)
	}

	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CurrentFix(context.Background(), false, time.Second); err == nil {
		t.Error("CurrentFix() should fail on malformed JSON")
	}
}
