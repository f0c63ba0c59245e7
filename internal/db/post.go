package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxPostLength = 500

// Post is a short user-authored note, optionally tagged with a free-form
// location string. Score is the sum of vote directions.
type Post struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	Location  *string   `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Score     int64     `json:"score"`
}

// CreatePost inserts a post authored by userID.
func (db *DB) CreatePost(ctx context.Context, userID int64, content string, location *string) (*Post, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: post content is empty", ErrValidation)
	}
	if len(content) > maxPostLength {
		return nil, fmt.Errorf("%w: post content exceeds %d characters", ErrValidation, maxPostLength)
	}

	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO posts (user_id, content, location, created_at) VALUES (?, ?, ?, ?)`,
		userID, content, nullString(location), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get post id: %w", err)
	}
	return &Post{ID: id, UserID: userID, Content: content, Location: location, CreatedAt: now}, nil
}

const postQuery = `
	SELECT p.id, p.user_id, p.content, p.location, p.created_at,
	       COALESCE(SUM(v.dir), 0) AS score
	FROM posts p
	LEFT JOIN votes v ON v.post_id = p.id`

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var location sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &location, &p.CreatedAt, &p.Score)
	if err != nil {
		return nil, err
	}
	if location.Valid {
		p.Location = &location.String
	}
	return &p, nil
}

// GetPost retrieves one post with its vote score.
func (db *DB) GetPost(ctx context.Context, id int64) (*Post, error) {
	row := db.QueryRowContext(ctx, postQuery+` WHERE p.id = ? GROUP BY p.id`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post %d: %w", id, err)
	}
	return p, nil
}

// ListPosts returns posts newest-first with skip/limit pagination. Limits
// follow the same page-size rules as measurement listings.
func (db *DB) ListPosts(ctx context.Context, skip, limit int) ([]*Post, error) {
	if skip < 0 {
		return nil, fmt.Errorf("%w: skip must be non-negative", ErrValidation)
	}
	if limit <= 0 {
		limit = db.cfg.GetDefaultPageSize()
	}
	if limit > db.cfg.GetMaxPageSize() {
		return nil, fmt.Errorf("%w: limit %d exceeds maximum page size %d",
			ErrValidation, limit, db.cfg.GetMaxPageSize())
	}

	rows, err := db.QueryContext(ctx,
		postQuery+` GROUP BY p.id ORDER BY p.created_at DESC, p.id DESC LIMIT ? OFFSET ?`,
		limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePost removes a post owned by userID. Deleting another user's post
// fails with ErrValidation; a missing post fails with ErrNotFound.
func (db *DB) DeletePost(ctx context.Context, id, userID int64) error {
	var owner int64
	err := db.QueryRowContext(ctx, `SELECT user_id FROM posts WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load post %d: %w", id, err)
	}
	if owner != userID {
		return fmt.Errorf("%w: post %d is not owned by user %d", ErrValidation, id, userID)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM votes WHERE post_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete votes for post %d: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	return nil
}

// VotePost records or updates userID's vote on a post. dir must be 1 or -1;
// dir 0 removes an existing vote.
func (db *DB) VotePost(ctx context.Context, postID, userID int64, dir int) error {
	if dir != 1 && dir != -1 && dir != 0 {
		return fmt.Errorf("%w: vote direction must be -1, 0 or 1", ErrValidation)
	}
	var exists int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE id = ?`, postID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check post %d: %w", postID, err)
	}
	if exists == 0 {
		return fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}

	if dir == 0 {
		_, err = db.ExecContext(ctx,
			`DELETE FROM votes WHERE post_id = ? AND user_id = ?`, postID, userID)
		if err != nil {
			return fmt.Errorf("failed to remove vote: %w", err)
		}
		return nil
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO votes (post_id, user_id, dir) VALUES (?, ?, ?)
		 ON CONFLICT(post_id, user_id) DO UPDATE SET dir = excluded.dir`,
		postID, userID, dir)
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	return nil
}
