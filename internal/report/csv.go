// Package report сериализует выгрузку рейтинга для внешних систем отчётности.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/mmeshcher/rating-system/internal/model"
)

var csvHeader = []string{"rank", "user_id", "handle", "name", "score", "referrals", "subscribed", "purchased", "created"}

// WriteCSV сериализует строки выгрузки в CSV с заголовком.
// Пользователи без подписки выводятся с пустой позицией.
func WriteCSV(rows []model.ExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for _, row := range rows {
		rank := ""
		if row.Rank > 0 {
			rank = strconv.Itoa(row.Rank)
		}

		record := []string{
			rank,
			strconv.FormatInt(row.UserID, 10),
			row.Handle,
			row.Name,
			strconv.Itoa(row.Score),
			strconv.Itoa(row.ReferralCount),
			strconv.FormatBool(row.Subscribed),
			strconv.Itoa(row.Purchased),
			strconv.Itoa(row.Created),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return buf.Bytes(), nil
}
