package model

import (
	"context"
	"io"
	"sync"
)

// MediaHandle is an opaque reference to the bytes backing a track. A handle may
// go stale (an expired presigned URL, a consumed download buffer); Regenerate
// rebuilds it in place from the original backing data.
type MediaHandle interface {
	// Open returns a fresh reader over the media bytes.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Regenerate rebuilds the handle from its backing data.
	Regenerate(ctx context.Context) error
	// Location describes where the bytes come from (path, object key, URL).
	Location() string
	// Ext is the lower-case container extension used to pick a decoder, e.g. ".mp3".
	Ext() string
}

// Track represents an audio track in the console library.
type Track struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Artist string      `json:"artist,omitempty"`
	Handle MediaHandle `json:"-"`

	mu       sync.RWMutex
	duration float64
}

// NewTrack builds a track whose duration is not known yet.
func NewTrack(id, name, artist string, handle MediaHandle) *Track {
	return &Track{ID: id, Name: name, Artist: artist, Handle: handle}
}

// Duration returns the track duration in seconds, 0 until known.
func (t *Track) Duration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// SetDuration records the duration once decoding has reported it.
func (t *Track) SetDuration(seconds float64) {
	if seconds <= 0 {
		return
	}
	t.mu.Lock()
	t.duration = seconds
	t.mu.Unlock()
}

// Title is the "Artist - Name" form announced to the relay.
func (t *Track) Title() string {
	if t.Artist == "" {
		return t.Name
	}
	return t.Artist + " - " + t.Name
}

// TrackInfo is the serializable view of a track sent to the presentation layer.
type TrackInfo struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Artist   string  `json:"artist,omitempty"`
	Duration float64 `json:"duration"`
}

// Info returns the serializable view of the track.
func (t *Track) Info() TrackInfo {
	return TrackInfo{ID: t.ID, Name: t.Name, Artist: t.Artist, Duration: t.Duration()}
}

// TrackRecord is a library row as stored by the library collaborator.
type TrackRecord struct {
	ID       string  `json:"id" gorm:"primaryKey;size:36"`
	Name     string  `json:"name" gorm:"size:255;not null"`
	Artist   string  `json:"artist" gorm:"size:255"`
	Location string  `json:"location" gorm:"size:768;not null;uniqueIndex"` // file path, minio://bucket/key or http(s) URL
	Duration float64 `json:"duration"`
	Position int     `json:"position" gorm:"index"` // library order
}

// TableName 指定表名
func (TrackRecord) TableName() string {
	return "console_tracks"
}
