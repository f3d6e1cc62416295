package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetCode(t *testing.T) {
	s := newTestStore(t)

	code := &Code{
		DeviceID:  "iTach_192_168_1_70",
		Name:      "power",
		Payload:   "38029,1,1,169,168,21,63",
		LearnedAt: time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveCode(code); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCode(code.DeviceID, code.Name)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload != code.Payload {
		t.Errorf("payload = %q, want %q", got.Payload, code.Payload)
	}
	if got.Name != code.Name || got.DeviceID != code.DeviceID {
		t.Errorf("identity = %s/%s, want %s/%s", got.DeviceID, got.Name, code.DeviceID, code.Name)
	}
	if !got.LearnedAt.Equal(code.LearnedAt) {
		t.Errorf("learnedAt = %v, want %v", got.LearnedAt, code.LearnedAt)
	}
}

func TestSaveCodeValidation(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveCode(&Code{Name: "power"}); err == nil {
		t.Error("save without device id accepted")
	}
	if err := s.SaveCode(&Code{DeviceID: "gc1"}); err == nil {
		t.Error("save without name accepted")
	}
}

func TestGetCodeNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCode("gc1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Device exists, code does not.
	if err := s.SaveCode(&Code{DeviceID: "gc1", Name: "power", Payload: "38029,1,1,21"}); err != nil {
		t.Fatal(err)
	}
	_, err = s.GetCode("gc1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListCodes(t *testing.T) {
	s := newTestStore(t)

	names := []string{"power", "vol_up", "vol_down"}
	for _, name := range names {
		if err := s.SaveCode(&Code{DeviceID: "gc1", Name: name, Payload: "38029,1,1,21"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveCode(&Code{DeviceID: "gc2", Name: "mute", Payload: "38029,1,1,21"}); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListCodes("gc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, c := range list {
		found[c.Name] = true
	}
	for _, name := range names {
		if !found[name] {
			t.Errorf("code %s not in list", name)
		}
	}

	empty, err := s.ListCodes("unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("codes for unknown device = %d, want 0", len(empty))
	}
}

func TestDeleteCode(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveCode(&Code{DeviceID: "gc1", Name: "power", Payload: "38029,1,1,21"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCode("gc1", "power"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCode("gc1", "power"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}

	// Deleting again, or from an unknown device, is fine.
	if err := s.DeleteCode("gc1", "power"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCode("nope", "power"); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteDeviceCodes(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"power", "mute"} {
		if err := s.SaveCode(&Code{DeviceID: "gc1", Name: name, Payload: "38029,1,1,21"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteDevice("gc1"); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListCodes("gc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("codes after delete = %d, want 0", len(list))
	}

	if err := s.DeleteDevice("never_seen"); err != nil {
		t.Fatal(err)
	}
}

func TestDevices(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want empty", ids)
	}

	s.SaveCode(&Code{DeviceID: "gc1", Name: "power", Payload: "38029,1,1,21"})
	s.SaveCode(&Code{DeviceID: "gc2", Name: "power", Payload: "38029,1,1,21"})

	ids, err = s.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
}
