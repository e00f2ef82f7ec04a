// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"reflect"
	"testing"
)

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"show"},
			wantSub: "show",
		},
		{
			name:    "subcommand with flag",
			args:    []string{"show", "--limit", "50"},
			wantSub: "show",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("limit") != "50" {
					t.Errorf("Flag(limit) = %q, want %q", p.Flag("limit"), "50")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"put", "--class=criminal_evidence"},
			wantSub: "put",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("class") != "criminal_evidence" {
					t.Errorf("Flag(class) = %q", p.Flag("class"))
				}
			},
		},
		{
			name:    "boolean flag",
			args:    []string{"show", "--json"},
			wantSub: "show",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("json") {
					t.Error("BoolFlag(json) should be true")
				}
			},
		},
		{
			name:    "boolean flag does not swallow positional",
			args:    []string{"put", "--hold", "report.pdf"},
			wantSub: "put",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("hold") {
					t.Error("BoolFlag(hold) should be true")
				}
				if p.Positional(1) != "report.pdf" {
					t.Errorf("Positional(1) = %q, want report.pdf", p.Positional(1))
				}
			},
		},
		{
			name:    "explicit false",
			args:    []string{"check", "--emergency=false"},
			wantSub: "check",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("emergency") {
					t.Error("BoolFlag(emergency) should be false")
				}
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"note", "--", "--not-a-flag"},
			wantSub: "note",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(1) != "--not-a-flag" {
					t.Errorf("Positional(1) = %q", p.Positional(1))
				}
			},
		},
		{
			name:    "dash is stdin",
			args:    []string{"seal", "-"},
			wantSub: "seal",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(1) != "-" {
					t.Errorf("Positional(1) = %q, want -", p.Positional(1))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewArgParser(tt.args)
			if got := p.Positional(0); got != tt.wantSub {
				t.Errorf("Positional(0) = %q, want %q", got, tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, p)
			}
		})
	}
}

func TestArgParser_ExtraBoolNames(t *testing.T) {
	p := NewArgParser([]string{"x", "--plain", "file"}, "plain")
	if !p.BoolFlag("plain") {
		t.Error("BoolFlag(plain) should be true")
	}
	if p.Positional(1) != "file" {
		t.Errorf("Positional(1) = %q, want file", p.Positional(1))
	}

	q := NewArgParser([]string{"x", "--plain", "file"})
	if q.Flag("plain") != "file" {
		t.Errorf("undeclared flag should take a value, got %q", q.Flag("plain"))
	}
}

func TestArgParser_Shift(t *testing.T) {
	p := NewArgParser([]string{"--config", "k.toml", "audit", "show", "--limit", "5"})
	if p.Flag("config") != "k.toml" {
		t.Fatalf("Flag(config) = %q", p.Flag("config"))
	}
	s := p.Shift()
	if s.Positional(0) != "show" {
		t.Errorf("after Shift Positional(0) = %q, want show", s.Positional(0))
	}
	if s.Flag("limit") != "5" {
		t.Errorf("Shift must keep flags, Flag(limit) = %q", s.Flag("limit"))
	}
	if p.Positional(0) != "audit" {
		t.Errorf("Shift must not modify the original")
	}
}

func TestArgParser_FlagInt(t *testing.T) {
	p := NewArgParser([]string{"--limit", "12", "--bad", "x"})
	if n, err := p.FlagInt("limit", 0); err != nil || n != 12 {
		t.Errorf("FlagInt(limit) = %d, %v", n, err)
	}
	if n, err := p.FlagInt("missing", 7); err != nil || n != 7 {
		t.Errorf("FlagInt(missing) = %d, %v", n, err)
	}
	if _, err := p.FlagInt("bad", 0); err == nil {
		t.Error("FlagInt(bad) should fail")
	}
}

func TestParseBoolString(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"YES", true, false},
		{"on", true, false},
		{"0", false, false},
		{"off", false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		got, err := ParseBoolString(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseBoolString(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestParseMeta(t *testing.T) {
	md, err := parseMeta([]string{"case=KA-1", "unit=7"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"case": "KA-1", "unit": "7"}
	if !reflect.DeepEqual(md, want) {
		t.Errorf("parseMeta = %v, want %v", md, want)
	}
	if _, err := parseMeta([]string{"=x"}); err == nil {
		t.Error("empty key should fail")
	}
}
