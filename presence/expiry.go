package presence

import "strconv"

func formatExpiry(expiresAt int64) string {
	return strconv.FormatInt(expiresAt, 10)
}

func parseExpiry(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}
