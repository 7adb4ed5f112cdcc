package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		full  string
		short string
	}{
		{"1.10.1", "1.10.1"},
		{"1.10.1-dev0", "1.10.1"},
		{"0.3.7.post2", "0.3.7"},
		{"2-1-0", "2.1.0"},
	}

	for _, tt := range tests {
		info, err := Parse(tt.full)
		require.NoError(t, err, tt.full)
		assert.Equal(t, tt.full, info.Full)
		assert.Equal(t, tt.short, info.Short)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, bad := range []string{"", "dev", "1", "1.2", "v1.2.3"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
