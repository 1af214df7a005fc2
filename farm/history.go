package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// historyDays is how many daily summaries are kept.
const historyDays = 35

// History keeps one summary per day in the node database.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) (*History, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL UNIQUE, -- YYYY-MM-DD
			summary TEXT NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create daily_summaries table: %w", err)
	}
	return &History{db: db}, nil
}

// Record stores the summary for date, replacing an earlier one, and drops
// the oldest days beyond the retention window.
func (h *History) Record(date string, summary map[string]any) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary for %s: %w", date, err)
	}
	if _, err := h.db.Exec(`INSERT OR REPLACE INTO daily_summaries (date, summary) VALUES (?, ?)`, date, string(body)); err != nil {
		return fmt.Errorf("insert summary for %s: %w", date, err)
	}
	_, err = h.db.Exec(`
		DELETE FROM daily_summaries
		WHERE id NOT IN (SELECT id FROM daily_summaries ORDER BY date DESC LIMIT ?)
	`, historyDays)
	if err != nil {
		return fmt.Errorf("trim daily_summaries: %w", err)
	}
	return nil
}

// Count returns the number of stored days.
func (h *History) Count() (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM daily_summaries`).Scan(&n)
	return n, err
}

// Day returns the summary stored for date.
func (h *History) Day(date string) (map[string]any, error) {
	var body string
	err := h.db.QueryRow(`SELECT summary FROM daily_summaries WHERE date = ?`, date).Scan(&body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode summary for %s: %w", date, err)
	}
	return out, nil
}

// StatusFields adds the stored day count and the summary of the day before
// now to a status snapshot.
func (h *History) StatusFields(out map[string]string, now time.Time) error {
	n, err := h.Count()
	if err != nil {
		return err
	}
	out["history_days"] = fmt.Sprint(n)

	date := now.AddDate(0, 0, -1).Format(time.DateOnly)
	day, err := h.Day(date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	body, err := json.Marshal(day)
	if err != nil {
		return err
	}
	out["yesterday"] = string(body)
	return nil
}
