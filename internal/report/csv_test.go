package report

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/mmeshcher/rating-system/internal/model"
)

func TestWriteCSV(t *testing.T) {
	rows := []model.ExportRow{
		{Rank: 1, UserID: 100, Handle: "alice", Name: "Alice", Score: 3, ReferralCount: 1, Subscribed: true, Purchased: 2, Created: 1},
		{UserID: 200, Handle: "bob", Name: "Bob", Score: 1},
	}

	data, err := WriteCSV(rows)
	if err != nil {
		t.Fatalf("WriteCSV error: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want header + 2 rows", len(records))
	}

	if records[0][0] != "rank" || records[0][1] != "user_id" {
		t.Fatalf("unexpected header: %v", records[0])
	}

	if records[1][0] != "1" || records[1][2] != "alice" || records[1][4] != "3" {
		t.Fatalf("unexpected first row: %v", records[1])
	}

	// У пользователя без подписки позиция пустая.
	if records[2][0] != "" || records[2][6] != "false" {
		t.Fatalf("unsubscribed row must have empty rank: %v", records[2])
	}
}

func TestWriteCSV_EmptySnapshot(t *testing.T) {
	data, err := WriteCSV(nil)
	if err != nil {
		t.Fatalf("WriteCSV error: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("empty snapshot must still produce the header, got %d records", len(records))
	}
}
