package validation

import "testing"

func TestUserCode(t *testing.T) {
	t.Parallel()

	valid := []string{"EU12345678", "us0099ab", "AZ1234"}
	for _, code := range valid {
		if err := UserCode(code); err != nil {
			t.Errorf("UserCode(%q) = %v", code, err)
		}
	}

	invalid := []string{
		"",
		"abc",
		"EU1234 5678",
		"EU-1234!",
		"0123456789012345678901234567890123456789",
	}
	for _, code := range invalid {
		if err := UserCode(code); err == nil {
			t.Errorf("UserCode(%q) accepted", code)
		}
	}
}

func TestDeviceID(t *testing.T) {
	t.Parallel()

	if err := DeviceID("bfa8d5c3174cc23a"); err != nil {
		t.Errorf("DeviceID = %v", err)
	}
	for _, id := range []string{"", "a b", "a/b"} {
		if err := DeviceID(id); err == nil {
			t.Errorf("DeviceID(%q) accepted", id)
		}
	}
}
