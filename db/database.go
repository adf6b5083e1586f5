package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"QFMConsole/logger"

	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动
)

// DB 是 SQLite 曲库连接
var DB *sql.DB

// OpenSQLite 打开 SQLite 数据库并建表，path 为 ":memory:" 时使用内存库
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	// 内存库每个连接是独立的数据库
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := InitSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ConnectDB 打开全局 SQLite 连接
func ConnectDB(path string) error {
	conn, err := OpenSQLite(path)
	if err != nil {
		return err
	}
	DB = conn
	logger.Info("connected to SQLite library", logger.String("path", path))
	return nil
}

// CloseDB 关闭全局 SQLite 连接
func CloseDB() error {
	if DB == nil {
		return nil
	}
	return DB.Close()
}

// InitSchema 创建曲库表
func InitSchema(conn *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS console_tracks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		artist TEXT,
		location TEXT NOT NULL UNIQUE,
		duration REAL NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_console_tracks_position ON console_tracks(position);
	`
	if _, err := conn.Exec(query); err != nil {
		return fmt.Errorf("failed to create console_tracks table: %w", err)
	}
	return nil
}
