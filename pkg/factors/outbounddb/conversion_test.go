package outbounddb

import (
	"context"
	"testing"

	"github.com/spindle-run/spindle/pkg/outbound"
)

func TestColumnKind(t *testing.T) {
	tests := []struct {
		dbType string
		want   string
	}{
		{"BOOL", "bool"},
		{"INT2", "int16"},
		{"INT4", "int32"},
		{"INT8", "int64"},
		{"BIGINT", "int64"},
		{"REAL", "float32"},
		{"DOUBLE", "float64"},
		{"varchar", "string"},
		{"TEXT", "string"},
		{"BYTEA", "bytes"},
		{"BLOB", "bytes"},
	}
	for _, tt := range tests {
		got, err := columnKind(tt.dbType)
		if err != nil {
			t.Errorf("columnKind(%q): %v", tt.dbType, err)
			continue
		}
		if got != tt.want {
			t.Errorf("columnKind(%q) = %q, want %q", tt.dbType, got, tt.want)
		}
	}

	_, err := columnKind("JSONB")
	de, ok := err.(*dbError)
	if !ok || de.code != codeValueConversion {
		t.Errorf("columnKind(JSONB) = %v, want value-conversion error", err)
	}
}

func TestConvertValue(t *testing.T) {
	tests := []struct {
		kind string
		in   interface{}
		want interface{}
	}{
		{"bool", true, true},
		{"bool", int64(1), true},
		{"bool", int64(0), false},
		{"int16", int64(7), int16(7)},
		{"int32", int64(-2), int32(-2)},
		{"int64", int64(1 << 40), int64(1 << 40)},
		{"float32", float64(1.5), float32(1.5)},
		{"float64", float64(2.25), float64(2.25)},
		{"string", "x", "x"},
		{"string", []byte("y"), "y"},
		{"bytes", []byte{1, 2}, nil}, // compared separately below
		{"int64", nil, nil},
	}
	for _, tt := range tests {
		got, err := ConvertValue(tt.kind, tt.in)
		if err != nil {
			t.Errorf("ConvertValue(%s, %v): %v", tt.kind, tt.in, err)
			continue
		}
		if tt.kind == "bytes" && tt.in != nil {
			b, ok := got.([]byte)
			if !ok || len(b) != 2 || b[0] != 1 {
				t.Errorf("ConvertValue(bytes) = %v", got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ConvertValue(%s, %v) = %v (%T), want %v", tt.kind, tt.in, got, got, tt.want)
		}
	}
}

func TestConvertValueRejectsMismatches(t *testing.T) {
	cases := []struct {
		kind string
		in   interface{}
	}{
		{"bool", "yes"},
		{"int32", "12"},
		{"float64", int64(1)},
		{"bytes", "text"},
	}
	for _, tt := range cases {
		_, err := ConvertValue(tt.kind, tt.in)
		de, ok := err.(*dbError)
		if !ok || de.code != codeValueConversion {
			t.Errorf("ConvertValue(%s, %T) = %v, want value-conversion error", tt.kind, tt.in, err)
		}
	}
}

func TestOpenRejectsMalformedAddress(t *testing.T) {
	b := &Builder{
		flavor: postgresFlavor,
		hosts:  func() (*outbound.AllowedHosts, error) { return &outbound.AllowedHosts{}, nil },
	}
	slice, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	inst := slice.(*Instance)

	_, oerr := inst.Open(context.Background(), "://bad")
	de, ok := oerr.(*dbError)
	if !ok || de.code != codeInvalidAddress {
		t.Errorf("got %v, want invalid-address", oerr)
	}
}

func TestOpenDeniesUnlistedDestination(t *testing.T) {
	hosts, err := outbound.ParseAllowedHosts([]string{"postgres://db.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	b := &Builder{
		flavor:  postgresFlavor,
		hosts:   func() (*outbound.AllowedHosts, error) { return hosts, nil },
		blocked: outbound.BlockedNetworks{AllowPrivate: true},
	}
	slice, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	inst := slice.(*Instance)

	_, oerr := inst.Open(context.Background(), "postgres://other.example.com:5432/db")
	de, ok := oerr.(*dbError)
	if !ok || de.code != codeDestinationNotAllowed {
		t.Errorf("got %v, want destination-not-allowed", oerr)
	}
}
