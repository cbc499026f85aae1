package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{".", "", false},
		{"traces", "traces", false},
		{"traces/", "traces", false},
		{"traces//2024-01-01/a.zip", "traces/2024-01-01/a.zip", false},
		{"./traces", "traces", false},
		{"/etc/passwd", "", true},
		{"traces/../../etc", "", true},
		{"..", "", true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestEntryList(t *testing.T) {
	el := EntryList{
		{Name: "b.zip", Size: 2},
		{Name: "2024-01-01", IsDir: true},
		{Name: "a.zip", Size: 1},
	}
	el.Sort()
	assert.Equal(t, []string{"2024-01-01", "a.zip", "b.zip"}, el.Names())
	assert.Equal(t, []string{"2024-01-01"}, el.Dirs().Names())
	assert.Equal(t, []string{"a.zip", "b.zip"}, el.Files().Names())
}
