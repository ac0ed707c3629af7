package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		job      []string
		required []string
		want     bool
	}{
		{"exact", []string{"self-hosted", "cloud-run"}, []string{"self-hosted", "cloud-run"}, true},
		{"superset", []string{"self-hosted", "cloud-run", "linux"}, []string{"self-hosted", "cloud-run"}, true},
		{"order independent", []string{"cloud-run", "self-hosted"}, []string{"self-hosted", "cloud-run"}, true},
		{"missing one", []string{"self-hosted"}, []string{"self-hosted", "cloud-run"}, false},
		{"disjoint", []string{"ubuntu-latest"}, []string{"self-hosted"}, false},
		{"empty required", []string{"anything"}, nil, true},
		{"both empty", nil, nil, true},
		{"empty job", nil, []string{"self-hosted"}, false},
		{"case sensitive", []string{"Self-Hosted"}, []string{"self-hosted"}, false},
		{"no trimming", []string{" self-hosted"}, []string{"self-hosted"}, false},
		{"duplicates", []string{"a", "a"}, []string{"a", "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.job, tt.required))
		})
	}
}

func TestParse(t *testing.T) {
	assert.Equal(t, []string{"self-hosted", "cloud-run"}, Parse("self-hosted,cloud-run"))
	assert.Equal(t, []string{"a", "b"}, Parse(" a , ,b,"))
	assert.Nil(t, Parse(""))
}
