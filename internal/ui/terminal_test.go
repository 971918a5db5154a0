package ui

import "testing"

func TestShouldUseColor(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		tty  bool
		want bool
	}{
		{"tty", nil, true, true},
		{"pipe", nil, false, false},
		{"no color", map[string]string{"NO_COLOR": "1"}, true, false},
		{"force", map[string]string{"CLICOLOR_FORCE": "1"}, false, true},
		{"clicolor off", map[string]string{"CLICOLOR": "0"}, true, false},
		{"convey always beats no color", map[string]string{"CONVEY_COLOR": "always", "NO_COLOR": "1"}, false, true},
		{"convey never beats force", map[string]string{"CONVEY_COLOR": "Never", "CLICOLOR_FORCE": "1"}, true, false},
		{"convey auto", map[string]string{"CONVEY_COLOR": "auto"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"CONVEY_COLOR", "NO_COLOR", "CLICOLOR_FORCE", "CLICOLOR"} {
				t.Setenv(k, tt.env[k])
			}
			orig := isTerminal
			isTerminal = func(int) bool { return tt.tty }
			t.Cleanup(func() { isTerminal = orig })

			if got := ShouldUseColor(); got != tt.want {
				t.Errorf("ShouldUseColor = %v, want %v", got, tt.want)
			}
		})
	}
}
