package util

import "testing"

func TestJoinSkipsEmpty(t *testing.T) {
	if got := Join(".", "", "users", "map"); got != "users.map" {
		t.Fatalf("got %q", got)
	}
	if got := Join(".", "prod", "users", "map"); got != "prod.users.map" {
		t.Fatalf("got %q", got)
	}
	if got := Join("."); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestSortedUnique(t *testing.T) {
	got := SortedUnique([]string{"c", "a", "c", "b", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v", got)
		}
	}
	if SortedUnique(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := Fingerprint("node", []string{"x", "y"})
	b := Fingerprint("node", []string{"y", "x"})
	if a != b {
		t.Fatalf("%q != %q", a, b)
	}
	if len(a) != len("node")+1+16 {
		t.Fatalf("unexpected length %d", len(a))
	}
}
