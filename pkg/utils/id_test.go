package utils

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRunID(t *testing.T) {
	id := GenerateRunID()
	if !strings.HasPrefix(id, "run-") {
		t.Errorf("GenerateRunID should start with run-: %s", id)
	}
	assert.True(t, ValidRunID(id))
}

func TestValidRunID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"run-20260101-000000-ab12cd34", true},
		{"cascade_1.v2", true},
		{"", false},
		{"..", false},
		{"../etc/passwd", false},
		{"a b", false},
		{strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		if got := ValidRunID(tt.id); got != tt.want {
			t.Errorf("ValidRunID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestRunIDConcurrency(t *testing.T) {
	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- GenerateRunID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate run id %s", id)
		}
		seen[id] = true
	}
}
