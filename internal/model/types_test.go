package model

import "testing"

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindRefresh, "refresh"},
		{KindUpdate, "update"},
		{KindCorrection, "correction"},
		{KindStatus, "status"},
		{Kind(99), "kind(99)"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Kind
		wantErr bool
	}{
		{"refresh", "refresh", KindRefresh, false},
		{"update", "update", KindUpdate, false},
		{"correction", "correction", KindCorrection, false},
		{"status", "status", KindStatus, false},
		{"unknown", "snapshot", 0, true},
		{"empty", "", 0, true},
		{"case sensitive", "Refresh", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseKind(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindRefresh, KindUpdate, KindCorrection, KindStatus} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) error = %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == "" {
		t.Fatal("NewSessionID() returned empty ID")
	}
	if a == b {
		t.Errorf("NewSessionID() returned duplicate ID %q", a)
	}
}
