package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certlab/ecmlink/internal/ecmerr"
)

func TestParseCertDate(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantYear string
		wantDate string
	}{
		{"plain", "20250825", "2025", "20250825"},
		{"dotted", "2025.08.25", "2025", "20250825"},
		{"dashed", "2025-08-25", "2025", "20250825"},
		{"surrounding text", "cert: 2025/08/25 final", "2025", "20250825"},
		{"extra digits ignored", "20250825999", "2025", "20250825"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			year, date8, err := ParseCertDate(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.wantYear, year)
			assert.Equal(t, tc.wantDate, date8)
		})
	}
}

func TestParseCertDate_SeparatorsDoNotChangeResult(t *testing.T) {
	_, plain, err := ParseCertDate("20250825")
	require.NoError(t, err)
	_, dotted, err := ParseCertDate("2025.08.25")
	require.NoError(t, err)
	assert.Equal(t, plain, dotted)
}

func TestParseCertDate_TooFewDigits(t *testing.T) {
	for _, raw := range []string{"", "2025", "2025.08.2", "no digits at all"} {
		_, _, err := ParseCertDate(raw)
		assert.True(t, ecmerr.Is(err, ecmerr.BadInput), "input %q", raw)
	}
}

func TestParseCertDate_InvalidGregorianDate(t *testing.T) {
	for _, raw := range []string{"20251301", "20250230", "20250832"} {
		_, _, err := ParseCertDate(raw)
		assert.True(t, ecmerr.Is(err, ecmerr.BadInput), "input %q", raw)
	}
}
