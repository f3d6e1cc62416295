package ir

import (
	"errors"
	"strings"
	"testing"
)

func TestConvertRaw(t *testing.T) {
	code := "0000 006D 0022 0002 00a9 00a8 0015 003f"

	got, err := ConvertRaw(code, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := "38029,1,69,169,168,21,63"
	if got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

func TestConvertRawDeterministic(t *testing.T) {
	code := "0000,006D,0022,0002,00a9,00a8,0015,003f"
	first, err := ConvertRaw(code, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := ConvertRaw(code, 4)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("call %d = %q, want %q", i, again, first)
		}
	}
}

func TestConvertRawFrequency(t *testing.T) {
	tests := []struct {
		period string
		freq   string
	}{
		{"006D", "38029"}, // 109 → 38029 Hz
		{"0070", "37010"}, // 112
		{"00AD", "23960"}, // 173
	}
	for _, tt := range tests {
		code := "0000 " + tt.period + " 0001 0001 0015 003f"
		got, err := ConvertRaw(code, 1)
		if err != nil {
			t.Fatalf("period %s: %v", tt.period, err)
		}
		if !strings.HasPrefix(got, tt.freq+",") {
			t.Errorf("period %s: payload %q, want frequency %s", tt.period, got, tt.freq)
		}
	}
}

func TestConvertRawOffset(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		offset string
	}{
		{"both sequences", "0000 006D 0022 0002 0015 003f", "69"},
		{"no second sequence", "0000 006D 0022 0000 0015 003f", "1"},
		{"no first sequence", "0000 006D 0000 0002 0015 003f", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertRaw(tt.code, 1)
			if err != nil {
				t.Fatal(err)
			}
			parts := strings.Split(got, ",")
			if len(parts) < 3 {
				t.Fatalf("payload %q too short", got)
			}
			if parts[2] != tt.offset {
				t.Errorf("offset = %s, want %s", parts[2], tt.offset)
			}
		})
	}
}

func TestConvertRawRepeatClamp(t *testing.T) {
	got, err := ConvertRaw("0000 006D 0001 0001 0015 003f", 0)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(got, ",")
	if parts[1] != "1" {
		t.Errorf("repeat = %s, want 1", parts[1])
	}
}

func TestConvertRawUnsupported(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"non-zero marker", "0001 006D 0022 0002 0015 003f"},
		{"non-hex token", "0000 006D 00ZZ 0002 0015 003f"},
		{"too short", "0000 006D"},
		{"empty", ""},
		{"zero period", "0000 0000 0022 0002 0015 003f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ConvertRaw(tt.code, 1)
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
			if out != "" {
				t.Errorf("output = %q, want empty", out)
			}
		})
	}
}
