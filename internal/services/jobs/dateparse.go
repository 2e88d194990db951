package jobs

import (
	"time"

	"github.com/certlab/ecmlink/internal/ecmerr"
)

// ParseCertDate derives the folder keys from a raw certification date: the
// first eight digits form date8 (YYYYMMDD), its first four the year.
// Separators and surrounding text are ignored; fewer than eight digits or an
// invalid Gregorian date fail with BadInput.
func ParseCertDate(raw string) (year, date8 string, err error) {
	digits := make([]rune, 0, 8)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
			if len(digits) == 8 {
				break
			}
		}
	}

	if len(digits) < 8 {
		return "", "", ecmerr.Newf(ecmerr.BadInput, "cert_date must contain at least 8 digits, got %d", len(digits))
	}

	date8 = string(digits)
	if _, perr := time.Parse("20060102", date8); perr != nil {
		return "", "", ecmerr.Newf(ecmerr.BadInput, "cert_date %q is not a valid date", date8)
	}

	return date8[:4], date8, nil
}
