package exclude

import "testing"

func TestMatcher(t *testing.T) {
	m := New([]string{
		"# comment",
		"",
		"Archive/",
		"*.tmp",
		"Photos/2019/*.jpg",
		"/Scratch",
		"[bad",
	})
	if m.Len() != 4 {
		t.Fatalf("Len = %d, want 4", m.Len())
	}

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"Archive", true, true},
		{"Archive", false, false},
		{"Projects/Archive", true, true},
		{"Archive/old.txt", false, true},
		{"notes.tmp", false, true},
		{"Sub/deep/x.tmp", false, true},
		{"Photos/2019/a.jpg", false, true},
		{"Photos/2020/a.jpg", false, false},
		{"Scratch", true, true},
		{"Scratch/a.txt", false, true},
		{"Docs/Scratch", false, true},
		{"ScratchPad", false, false},
		{"A.txt", false, false},
	}
	for _, tt := range tests {
		if got := m.IsExcluded(tt.path, tt.isDir); got != tt.want {
			t.Errorf("IsExcluded(%q, %v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	if m.IsExcluded("anything", false) || m.Len() != 0 {
		t.Error("nil matcher must exclude nothing")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]string{"*.tmp", "Archive/", "plain"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate([]string{"ok", "bad[.txt"}); err == nil {
		t.Error("expected malformed glob to be reported")
	}
	if New([]string{"bad[.txt"}).Len() != 0 {
		t.Error("New should drop the malformed glob")
	}
}
