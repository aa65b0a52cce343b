package api

import (
	"errors"
	"strings"
)

// NormalizeMSISDN canonicalizes a Kenyan mobile number to the 2547XXXXXXXX /
// 2541XXXXXXXX form the backend expects. Accepts 07.., 01.., +254.., 254..
// and tolerates spaces and dashes.
func NormalizeMSISDN(input string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(input))

	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case strings.HasPrefix(cleaned, "254"):
		// already international
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		cleaned = "254" + cleaned[1:]
	default:
		return "", errors.New("phone number must start with 07, 01 or 254")
	}

	if len(cleaned) != 12 {
		return "", errors.New("phone number has wrong length")
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", errors.New("phone number contains non-digit characters")
		}
	}
	if cleaned[3] != '7' && cleaned[3] != '1' {
		return "", errors.New("phone number must be a Safaricom 7xx or 1xx number")
	}
	return cleaned, nil
}
