package draft

import (
	"strings"
	"testing"
	"time"

	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	return s
}

// TestUnit_EncodeDecodeRoundTrip verifies a unit survives the file codec.
func TestUnit_EncodeDecodeRoundTrip(t *testing.T) {
	orig := &Unit{
		ID:        "sc_0001",
		Order:     3,
		Title:     "The Storm",
		UpdatedAt: time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC),
		Text:      "The rain had not stopped for three days.\n",
	}

	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	got, err := DecodeUnit("sc_0001", data)
	if err != nil {
		t.Fatalf("DecodeUnit() failed: %v", err)
	}

	if got.ID != orig.ID || got.Order != orig.Order || got.Title != orig.Title {
		t.Errorf("metadata changed in round trip: %+v", got)
	}
	if got.Text != orig.Text {
		t.Errorf("Text = %q, want %q", got.Text, orig.Text)
	}
}

// TestUnit_ChecksumIgnoresMetadata verifies the unit checksum tracks the
// body only, whether computed from the struct or the encoded file.
func TestUnit_ChecksumIgnoresMetadata(t *testing.T) {
	unit := &Unit{ID: "sc_0001", Order: 1, Text: "Prose body.\n"}

	data, err := unit.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	fromFile := checksum.Fingerprint(string(data))
	fromBody := unit.Checksum()

	if !checksum.Matches(fromFile, fromBody) {
		t.Error("checksum of encoded file differs from checksum of body")
	}
}

// TestDecodeUnit_BareProse verifies files without front matter still decode.
func TestDecodeUnit_BareProse(t *testing.T) {
	unit, err := DecodeUnit("sc_0002", []byte("Just prose, no metadata.\n"))
	if err != nil {
		t.Fatalf("DecodeUnit() failed: %v", err)
	}

	if unit.ID != "sc_0002" {
		t.Errorf("ID = %s, want sc_0002", unit.ID)
	}
	if unit.Text != "Just prose, no metadata.\n" {
		t.Errorf("Text = %q", unit.Text)
	}
}

// TestDecodeUnit_MismatchedID verifies a file declaring a different id is
// rejected.
func TestDecodeUnit_MismatchedID(t *testing.T) {
	data := []byte("---\nid: sc_0009\norder: 0\n---\ntext\n")

	if _, err := DecodeUnit("sc_0001", data); err == nil {
		t.Error("DecodeUnit() should reject mismatched id")
	}
}

// TestUnit_Validate covers field validation.
func TestUnit_Validate(t *testing.T) {
	tests := []struct {
		name    string
		unit    Unit
		wantErr bool
	}{
		{"valid", Unit{ID: "sc_0001", Order: 0}, false},
		{"missing id", Unit{Order: 0}, true},
		{"bad characters", Unit{ID: "SC 01!"}, true},
		{"negative order", Unit{ID: "sc_0001", Order: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestSaveLoadUnit verifies persistence through the store.
func TestSaveLoadUnit(t *testing.T) {
	s := newTestStore(t)

	unit := &Unit{ID: "sc_0001", Order: 1, Text: "First version.\n", UpdatedAt: time.Now().UTC()}
	if err := SaveUnit(s, unit); err != nil {
		t.Fatalf("SaveUnit() failed: %v", err)
	}

	got, err := LoadUnit(s, "sc_0001")
	if err != nil {
		t.Fatalf("LoadUnit() failed: %v", err)
	}
	if got.Text != unit.Text {
		t.Errorf("Text = %q, want %q", got.Text, unit.Text)
	}
}

// TestLoadAllUnits_SkipsInvalid verifies one corrupt file does not fail the
// whole scan.
func TestLoadAllUnits_SkipsInvalid(t *testing.T) {
	s := newTestStore(t)

	good := &Unit{ID: "sc_0001", Order: 1, Text: "ok\n"}
	if err := SaveUnit(s, good); err != nil {
		t.Fatalf("SaveUnit() failed: %v", err)
	}
	// A file whose front matter declares a different id than its filename
	if err := s.WriteAtomic("drafts/sc_0002.md", []byte("---\nid: other\n---\nx\n")); err != nil {
		t.Fatalf("WriteAtomic() failed: %v", err)
	}

	units, err := LoadAllUnits(s, nil)
	if err != nil {
		t.Fatalf("LoadAllUnits() failed: %v", err)
	}
	if len(units) != 1 || units[0].ID != "sc_0001" {
		t.Errorf("LoadAllUnits() = %v, want just sc_0001", units)
	}
}

// TestIndex_RebuildAndGet verifies the index mirrors on-disk checksums.
func TestIndex_RebuildAndGet(t *testing.T) {
	s := newTestStore(t)

	unit := &Unit{ID: "sc_0001", Order: 1, Text: "Indexed body.\n"}
	if err := SaveUnit(s, unit); err != nil {
		t.Fatalf("SaveUnit() failed: %v", err)
	}

	ix := NewIndex()
	if err := ix.Rebuild(s, nil); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	sum, ok := ix.Get("sc_0001")
	if !ok {
		t.Fatal("Get() did not find indexed unit")
	}
	if !checksum.Matches(sum, unit.Checksum()) {
		t.Errorf("indexed checksum %s != unit checksum %s", sum, unit.Checksum())
	}

	ix.Invalidate("sc_0001")
	if _, ok := ix.Get("sc_0001"); ok {
		t.Error("Get() found unit after Invalidate()")
	}
}

// TestManifest_Validate covers the budget limit invariant.
func TestManifest_Validate(t *testing.T) {
	m := &Manifest{Name: "novel", SoftLimitUSD: 10.0, HardLimitUSD: 5.0}
	if err := m.Validate(); err == nil {
		t.Error("Validate() should reject hard < soft")
	}

	m.HardLimitUSD = 20.0
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() failed on valid manifest: %v", err)
	}
}

// TestOutline_YAMLRoundTrip verifies outline interop with YAML editors.
func TestOutline_YAMLRoundTrip(t *testing.T) {
	orig := &Outline{
		Title: "Act One",
		Scenes: []OutlineScene{
			{UnitID: "sc_0001", Title: "Opening", Summary: "The storm arrives."},
			{UnitID: "sc_0002", Title: "Aftermath"},
		},
	}

	data, err := OutlineToYAML(orig)
	if err != nil {
		t.Fatalf("OutlineToYAML() failed: %v", err)
	}
	if !strings.Contains(string(data), "unit_id: sc_0001") {
		t.Errorf("YAML output missing unit_id field:\n%s", data)
	}

	got, err := OutlineFromYAML(data)
	if err != nil {
		t.Fatalf("OutlineFromYAML() failed: %v", err)
	}
	if len(got.Scenes) != 2 || got.Scenes[0].UnitID != "sc_0001" {
		t.Errorf("round trip lost scenes: %+v", got)
	}
}

// TestOutlineChecksum_Missing verifies a project without an outline yields
// the zero checksum, not an error.
func TestOutlineChecksum_Missing(t *testing.T) {
	s := newTestStore(t)

	sum, err := OutlineChecksum(s)
	if err != nil {
		t.Fatalf("OutlineChecksum() failed: %v", err)
	}
	if !sum.IsZero() {
		t.Errorf("OutlineChecksum() = %s, want zero", sum)
	}
}
