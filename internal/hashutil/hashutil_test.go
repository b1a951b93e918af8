package hashutil

import (
	"crypto/md5"
	"testing"

	"github.com/jmgilman/go/errors"
)

func TestKeyName(t *testing.T) {
	got, err := KeyName("sha256", "abc")
	if err != nil {
		t.Fatal(err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	again, _ := KeyName("sha256", "abc")
	if again != got {
		t.Errorf("KeyName is not deterministic: %s != %s", again, got)
	}

	other, _ := KeyName("sha256", "abd")
	if other == got {
		t.Error("different keys mapped to the same name")
	}
}

func TestKeyNameUnsupported(t *testing.T) {
	_, err := KeyName("crc7", "abc")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if errors.GetCode(err) != errors.CodeInvalidConfig {
		t.Errorf("expected invalid config code, got %s", errors.GetCode(err))
	}
}

func TestRegister(t *testing.T) {
	if IsSupported("md5-test") {
		t.Fatal("md5-test should not be registered yet")
	}
	Register("md5-test", md5.New)
	if !IsSupported("md5-test") {
		t.Fatal("md5-test should be registered")
	}
	name, err := KeyName("md5-test", "")
	if err != nil {
		t.Fatal(err)
	}
	if name != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("unexpected digest %s", name)
	}

	found := false
	for _, n := range Names() {
		if n == "md5-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v, missing md5-test", Names())
	}
}
