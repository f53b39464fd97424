package replay

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/undolag/rewind"
)

type stubInput struct {
	V uint8
}

func (stubInput) Size() int { return 1 }

func (i stubInput) Serialize(dst []byte) []byte { return append(dst, i.V) }

func (stubInput) Deserialize(src []byte) (stubInput, error) {
	if len(src) < 1 {
		return stubInput{}, io.ErrUnexpectedEOF
	}
	return stubInput{V: src[0]}, nil
}

func TestRecordAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "match.db")

	rec, err := Create[stubInput](path, "test-match", 2)
	if err != nil {
		t.Fatal(err)
	}
	for f := rewind.Frame(0); f < 10; f++ {
		inputs := []rewind.SyncInput[stubInput]{
			{Input: stubInput{V: uint8(f)}},
			{Input: stubInput{V: uint8(f) * 2}},
		}
		if err := rec.RecordFrame(f, inputs); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.RecordChecksum(4, 0xfeed); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	rp, err := Open[stubInput](path)
	if err != nil {
		t.Fatal(err)
	}
	defer rp.Close()

	if rp.ID != "test-match" || rp.NumPlayers != 2 {
		t.Fatalf("match info %q/%d", rp.ID, rp.NumPlayers)
	}
	last, err := rp.LastFrame()
	if err != nil || last != 9 {
		t.Fatalf("last frame %d (%v), want 9", last, err)
	}

	for f := rewind.Frame(0); f < 10; f++ {
		inputs, err := rp.Frame(f)
		if err != nil {
			t.Fatal(err)
		}
		if inputs[0].V != uint8(f) || inputs[1].V != uint8(f)*2 {
			t.Fatalf("frame %d inputs %d/%d", f, inputs[0].V, inputs[1].V)
		}
	}

	sum, ok, err := rp.Checksum(4)
	if err != nil || !ok || sum != 0xfeed {
		t.Fatalf("checksum(4) = %x/%v/%v", sum, ok, err)
	}
	if _, ok, _ := rp.Checksum(5); ok {
		t.Fatal("phantom checksum at frame 5")
	}
}

func TestRecordOverwriteCorrectsSpeculation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "match.db")

	rec, err := Create[stubInput](path, "m", 1)
	if err != nil {
		t.Fatal(err)
	}
	speculated := []rewind.SyncInput[stubInput]{{Input: stubInput{V: 1}, Status: rewind.InputPredicted}}
	confirmed := []rewind.SyncInput[stubInput]{{Input: stubInput{V: 7}, Status: rewind.InputConfirmed}}
	if err := rec.RecordFrame(3, speculated); err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordFrame(3, confirmed); err != nil {
		t.Fatal(err)
	}
	rec.Close()

	rp, err := Open[stubInput](path)
	if err != nil {
		t.Fatal(err)
	}
	defer rp.Close()
	inputs, err := rp.Frame(3)
	if err != nil {
		t.Fatal(err)
	}
	if inputs[0].V != 7 {
		t.Fatalf("frame 3 kept speculated value %d", inputs[0].V)
	}
}
