package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"QFMConsole/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository 曲库数据访问接口
type TrackRepository interface {
	// ListTracks 按曲库顺序返回全部曲目
	ListTracks(ctx context.Context) ([]model.TrackRecord, error)
	// GetTrack 按 ID 查询，不存在时返回 nil, nil
	GetTrack(ctx context.Context, id string) (*model.TrackRecord, error)
	// UpsertTracks 按 location 插入或更新，已有曲目保留原 ID
	UpsertTracks(ctx context.Context, records []model.TrackRecord) error
	DeleteTracks(ctx context.Context, ids ...string) error
	Count(ctx context.Context) (int64, error)
}

// ========== GORM (MySQL) ==========

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 曲库仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

func (r *gormTrackRepository) ListTracks(ctx context.Context) ([]model.TrackRecord, error) {
	var records []model.TrackRecord
	err := r.db.WithContext(ctx).
		Order("position ASC").
		Order("name ASC").
		Find(&records).Error
	return records, err
}

func (r *gormTrackRepository) GetTrack(ctx context.Context, id string) (*model.TrackRecord, error) {
	var rec model.TrackRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormTrackRepository) UpsertTracks(ctx context.Context, records []model.TrackRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "location"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "artist", "duration", "position"}),
		}).
		Create(&records).Error
}

func (r *gormTrackRepository) DeleteTracks(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.TrackRecord{}).Error
}

func (r *gormTrackRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TrackRecord{}).Count(&count).Error
	return count, err
}

// ========== database/sql (SQLite) ==========

type sqliteTrackRepository struct {
	db *sql.DB
}

// NewSQLiteTrackRepository creates a track repository over a SQLite connection
// whose schema was created by db.InitSchema.
func NewSQLiteTrackRepository(conn *sql.DB) TrackRepository {
	return &sqliteTrackRepository{db: conn}
}

func (r *sqliteTrackRepository) ListTracks(ctx context.Context) ([]model.TrackRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, artist, location, duration, position
		FROM console_tracks
		ORDER BY position, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var records []model.TrackRecord
	for rows.Next() {
		rec, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *sqliteTrackRepository) GetTrack(ctx context.Context, id string) (*model.TrackRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, artist, location, duration, position
		FROM console_tracks WHERE id = ?
	`, id)
	rec, err := scanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *sqliteTrackRepository) UpsertTracks(ctx context.Context, records []model.TrackRecord) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO console_tracks (id, name, artist, location, duration, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location) DO UPDATE SET
			name=excluded.name,
			artist=excluded.artist,
			duration=excluded.duration,
			position=excluded.position
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx, rec.ID, rec.Name, nullString(rec.Artist),
			rec.Location, rec.Duration, rec.Position); err != nil {
			return fmt.Errorf("failed to upsert track %s: %w", rec.Location, err)
		}
	}
	return tx.Commit()
}

func (r *sqliteTrackRepository) DeleteTracks(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM console_tracks WHERE id IN (%s)", strings.Join(placeholders, ","))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *sqliteTrackRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM console_tracks`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrack(s scanner) (model.TrackRecord, error) {
	var (
		rec    model.TrackRecord
		artist sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Name, &artist, &rec.Location, &rec.Duration, &rec.Position); err != nil {
		return rec, err
	}
	rec.Artist = artist.String
	return rec, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
