package role

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"patient", Patient, false},
		{" Admin ", Admin, false},
		{"PROVIDER", Provider, false},
		{"nurse", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRole_Title(t *testing.T) {
	if Patient.Title() != "Patient" {
		t.Errorf("expected Patient, got %s", Patient.Title())
	}
	if Provider.Title() != "Provider" {
		t.Errorf("expected Provider, got %s", Provider.Title())
	}
}

func TestRoleSet_JSON(t *testing.T) {
	b, err := json.Marshal(Empty())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"roles":[],"primary_role":null}` {
		t.Errorf("unexpected empty encoding %s", b)
	}

	var rs RoleSet
	if err := json.Unmarshal([]byte(`{"roles":["admin","patient"],"primary_role":"admin"}`), &rs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !rs.Has(Admin) || !rs.Has(Patient) || rs.Has(Provider) || rs.Primary != Admin {
		t.Errorf("unexpected decode %+v", rs)
	}

	var nullPrimary RoleSet
	if err := json.Unmarshal([]byte(`{"roles":[],"primary_role":null}`), &nullPrimary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if nullPrimary.Primary != "" || !nullPrimary.IsEmpty() {
		t.Errorf("unexpected decode %+v", nullPrimary)
	}
}
