package vmm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func validSpec() Spec {
	return Spec{
		Toplevel:      "/store/a-system",
		KernelPath:    "/store/kernel",
		InitrdPath:    "/store/initrd",
		DiskImagePath: "/store/disk.img",
		Cmdline:       "console=ttyS0",
		CPU:           1,
		MemoryMB:      256,
	}
}

func TestValidateAcceptsAFullyPopulatedSpec(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		field   string
	}{
		{"empty toplevel path", func(s *Spec) { s.Toplevel = "" }, "toplevel"},
		{"empty kernel path", func(s *Spec) { s.KernelPath = "" }, "kernelPath"},
		{"empty initrd path", func(s *Spec) { s.InitrdPath = "" }, "initrdPath"},
		{"empty disk path", func(s *Spec) { s.DiskImagePath = "" }, "diskImagePath"},
		{"zero cpu", func(s *Spec) { s.CPU = 0 }, "cpu"},
		{"negative cpu", func(s *Spec) { s.CPU = -1 }, "cpu"},
		{"zero memory", func(s *Spec) { s.MemoryMB = 0 }, "memoryMb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error for %s", tt.name)
			}
			invalid, ok := err.(*ErrInvalidSpec)
			if !ok {
				t.Fatalf("error type = %T, want *ErrInvalidSpec", err)
			}
			if invalid.Field != tt.field {
				t.Errorf("Field = %q, want %q", invalid.Field, tt.field)
			}
		})
	}
}

func TestValidateIgnoresNetworkAllowedDomains(t *testing.T) {
	spec := validSpec()
	spec.NetworkAllowedDomains = nil
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil for nil NetworkAllowedDomains", err)
	}
}

// TestSpecJSONRoundTrip confirms all eight fields survive a marshal and
// unmarshal unchanged, so a caller's wire-encoded Spec deserializes back
// into exactly what it sent.
func TestSpecJSONRoundTrip(t *testing.T) {
	original := validSpec()
	original.NetworkAllowedDomains = []string{"example.com", "updates.example.com"}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Spec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch: original = %+v, decoded = %+v", original, decoded)
	}
}
