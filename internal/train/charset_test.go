package train

import "testing"

func TestEnglishCharset(t *testing.T) {
	c := EnglishCharset()
	if c.Size() != 29 {
		t.Fatalf("Expected 29 labels, got %d", c.Size())
	}

	ids, err := c.Encode("It's")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []int{11, 22, 2, 21}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, ids)
			break
		}
	}
	if got := c.Decode(append([]int{0}, ids...)); got != "it's" {
		t.Errorf("Expected 'it's', got '%s'", got)
	}
}

func TestCharset_Unknown(t *testing.T) {
	if _, err := EnglishCharset().Encode("café"); err == nil {
		t.Error("Expected an error for a character outside the charset")
	}
}
