package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("wallet", "0xabc123")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("wallet value %q, want redacted", attr.Value.String())
	}
}

func TestMaskFieldAllowlist(t *testing.T) {
	attr := MaskField("task", "b9c7e7c2")
	if attr.Value.String() != "b9c7e7c2" {
		t.Fatalf("allowlisted key masked: %q", attr.Value.String())
	}
}

func TestMaskFieldEmptyValue(t *testing.T) {
	attr := MaskField("wallet", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %q", attr.Value.String())
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("secret"); got != RedactedValue {
		t.Fatalf("MaskValue = %q", got)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("blank MaskValue = %q", got)
	}
}
