package db

import (
	"fmt"
	"strings"
)

// Table is the closed set of score tables. Table names never come from
// caller input; each constant maps to fixed query text below.
type Table string

const (
	TablePosts   Table = "Posts"
	TableReplies Table = "Replies"
)

// sqlName returns the SQL-level table name for a Table constant.
func (t Table) sqlName() (string, error) {
	switch t {
	case TablePosts:
		return "posts", nil
	case TableReplies:
		return "replies", nil
	}
	return "", fmt.Errorf("unknown table %q", string(t))
}

// ScoredRecord is one row in posts or replies. ID is unique within its
// table; UserID/UserName attribute the contributing user and repeat across
// records.
type ScoredRecord struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Karma    int64  `json:"karma"`
}

// Batch is an ordered group of records destined for one table.
type Batch struct {
	Table   Table
	Records []ScoredRecord
}

// UserSummary aggregates one user's contributions across both tables.
type UserSummary struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Posts    int64  `json:"posts"`
	Replies  int64  `json:"replies"`
	Karma    int64  `json:"karma"`
}

// RetrieveScores returns the subset of records whose id is in ids. Unknown
// ids are omitted without error; an empty id list yields an empty result.
func (db *DB) RetrieveScores(table Table, ids []int64) ([]ScoredRecord, error) {
	records := []ScoredRecord{}
	if len(ids) == 0 {
		return records, nil
	}

	name, err := table.sqlName()
	if err != nil {
		return nil, err
	}

	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.Query(fmt.Sprintf(
		`SELECT id, user_id, user_name, karma FROM %s WHERE id IN (%s) ORDER BY id`,
		name, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r ScoredRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.UserName, &r.Karma); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", name, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpsertScores applies every batch in a single transaction. Each record
// replaces any existing row with the same id wholesale. onRecord runs once
// per record before the commit; a non-nil return aborts the transaction, so
// either every record in the call is durable or none are.
func (db *DB) UpsertScores(batches []Batch, onRecord func(Table, ScoredRecord) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range batches {
		name, err := b.Table.sqlName()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(fmt.Sprintf(
			`INSERT OR REPLACE INTO %s (id, user_id, user_name, karma) VALUES (?, ?, ?, ?)`, name))
		if err != nil {
			return fmt.Errorf("preparing %s upsert: %w", name, err)
		}
		for _, r := range b.Records {
			if onRecord != nil {
				if err := onRecord(b.Table, r); err != nil {
					stmt.Close()
					return err
				}
			}
			if _, err := stmt.Exec(r.ID, r.UserID, r.UserName, r.Karma); err != nil {
				stmt.Close()
				return fmt.Errorf("upserting into %s: %w", name, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// Summarize computes per-user post/reply counts and total karma across both
// tables. Only rows with karma > 0 contribute; zero and negative rows are
// excluded from the counts as well as the sum. When a user appears with
// several distinct names, the lexicographically smallest name among the
// contributing rows is reported. Output order is unspecified.
func (db *DB) Summarize() ([]UserSummary, error) {
	rows, err := db.Query(`
		SELECT user_id, MIN(user_name) AS user_name,
		       SUM(posts) AS posts, SUM(replies) AS replies, SUM(karma) AS karma
		FROM (
		    SELECT user_id, user_name, 1 AS posts, 0 AS replies, karma FROM posts
		    UNION ALL
		    SELECT user_id, user_name, 0 AS posts, 1 AS replies, karma FROM replies
		)
		WHERE karma > 0
		GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("summarizing scores: %w", err)
	}
	defer rows.Close()

	summaries := []UserSummary{}
	for rows.Next() {
		var s UserSummary
		if err := rows.Scan(&s.UserID, &s.UserName, &s.Posts, &s.Replies, &s.Karma); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
