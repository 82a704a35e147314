// Package jsonhelper decodes configuration files and strings strictly.
package jsonhelper

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
)

// ErrTrailingData is returned when a JSON document is followed by more data.
var ErrTrailingData = errors.New("unexpected data after JSON value")

// DecodeDisallowUnknownFields decodes a single JSON value from r into v, disallowing unknown fields.
func DecodeDisallowUnknownFields(r io.Reader, v any) error {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return err
	}
	if _, err := d.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// OpenAndDecodeDisallowUnknownFields opens the file at path and decodes it into v, disallowing unknown fields.
func OpenAndDecodeDisallowUnknownFields(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return DecodeDisallowUnknownFields(f, v)
}

// UnmarshalStringDisallowUnknownFields decodes the JSON document s into v, disallowing unknown fields.
func UnmarshalStringDisallowUnknownFields(s string, v any) error {
	return DecodeDisallowUnknownFields(strings.NewReader(s), v)
}
