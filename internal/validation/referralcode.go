// Package validation содержит функции валидации входных данных.
package validation

import (
	"strconv"
	"strings"
)

const referralCodePrefix = "ref_"

// ReferralCode возвращает детерминированный реферальный код пользователя.
func ReferralCode(userID int64) string {
	return referralCodePrefix + strconv.FormatInt(userID, 10)
}

// ParseReferralCode разбирает реферальный код и возвращает идентификатор
// пригласившего пользователя. Код корректен только в виде ref_<положительное число>.
func ParseReferralCode(code string) (int64, bool) {
	if !strings.HasPrefix(code, referralCodePrefix) {
		return 0, false
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(code, referralCodePrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}
