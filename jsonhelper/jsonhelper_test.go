package jsonhelper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Name    string   `json:"name"`
	Timeout Duration `json:"timeout"`
}

func TestUnmarshalStringDisallowUnknownFields(t *testing.T) {
	for _, c := range []struct {
		name        string
		json        string
		want        testConfig
		wantErr     bool
		wantErrType error
	}{
		{
			name: "DurationString",
			json: `{"name":"wg0","timeout":"1.5s"}`,
			want: testConfig{Name: "wg0", Timeout: Duration(1500 * time.Millisecond)},
		},
		{
			name: "DurationSeconds",
			json: `{"timeout":15}`,
			want: testConfig{Timeout: Duration(15 * time.Second)},
		},
		{
			name: "DurationFractionalSeconds",
			json: `{"timeout":0.25}`,
			want: testConfig{Timeout: Duration(250 * time.Millisecond)},
		},
		{
			name:    "BadDuration",
			json:    `{"timeout":"soon"}`,
			wantErr: true,
		},
		{
			name:    "BadDurationType",
			json:    `{"timeout":true}`,
			wantErr: true,
		},
		{
			name:    "UnknownField",
			json:    `{"name":"wg0","mtu":1420}`,
			wantErr: true,
		},
		{
			name:        "TrailingData",
			json:        `{"name":"wg0"} {"name":"wg1"}`,
			wantErr:     true,
			wantErrType: ErrTrailingData,
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			var got testConfig
			err := UnmarshalStringDisallowUnknownFields(c.json, &got)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if c.wantErrType != nil && !errors.Is(err, c.wantErrType) {
					t.Errorf("error = %v, want %v", err, c.wantErrType)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestOpenAndDecodeDisallowUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{\"name\":\"wg0\",\"timeout\":\"2s\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got testConfig
	if err := OpenAndDecodeDisallowUnknownFields(path, &got); err != nil {
		t.Fatalf("OpenAndDecodeDisallowUnknownFields failed: %v", err)
	}
	if got.Name != "wg0" || time.Duration(got.Timeout) != 2*time.Second {
		t.Errorf("got %+v", got)
	}

	if err := OpenAndDecodeDisallowUnknownFields(filepath.Join(t.TempDir(), "missing.json"), &got); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want %v", err, os.ErrNotExist)
	}
}
