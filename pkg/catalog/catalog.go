// Package catalog defines the collaborators the metrics engine reads from but
// does not own: songs and albums, collaboration records and artist identity.
//
// Memory implements every interface for tests and demo mode. Postgres reads
// the catalog service's tables.
package catalog

import (
	"context"

	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Song is a catalog song
type Song struct {
	ID       int64  `json:"id"`
	ArtistID int64  `json:"artist_id"`
	AlbumID  *int64 `json:"album_id,omitempty"`
	Title    string `json:"title"`
}

// Album is a catalog album
type Album struct {
	ID       int64  `json:"id"`
	ArtistID int64  `json:"artist_id"`
	Title    string `json:"title"`
}

// CollaborationStatus is the state of a collaboration invitation
type CollaborationStatus string

const (
	StatusPending  CollaborationStatus = "PENDING"
	StatusAccepted CollaborationStatus = "ACCEPTED"
	StatusRejected CollaborationStatus = "REJECTED"
)

// Valid reports whether s is a known status
func (s CollaborationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Collaborator is an artist invited onto a song or album. Exactly one of
// SongID and AlbumID is set.
type Collaborator struct {
	ID                     int64               `json:"id"`
	SongID                 *int64              `json:"song_id,omitempty"`
	AlbumID                *int64              `json:"album_id,omitempty"`
	ArtistID               int64               `json:"artist_id"`
	Status                 CollaborationStatus `json:"status"`
	InvitedBy              int64               `json:"invited_by"`
	RevenueSharePercentage decimal.Decimal     `json:"revenue_share_percentage"`
}

// Catalog answers questions about songs and albums
type Catalog interface {
	// ArtistExists fails with ErrNotFound for unknown artists
	ArtistExists(ctx context.Context, artistID int64) error
	SongsByArtist(ctx context.Context, artistID int64) ([]Song, error)
	AlbumsByArtist(ctx context.Context, artistID int64) ([]Album, error)
	// SongByID fails with ErrNotFound for unknown songs
	SongByID(ctx context.Context, songID int64) (Song, error)
}

// CollaborationRegistry lists accepted collaborators. For an artist subject it
// returns the collaborations that artist accepted; for a song or album, the
// accepted collaborators on it.
type CollaborationRegistry interface {
	AcceptedCollaborators(ctx context.Context, subject metrics.SubjectRef) ([]Collaborator, error)
}

// Identity resolves artist display names
type Identity interface {
	DisplayNameFor(ctx context.Context, artistID int64) (string, error)
}

// SongIDs extracts the ids of songs
func SongIDs(songs []Song) []int64 {
	ids := make([]int64, len(songs))
	for i, s := range songs {
		ids[i] = s.ID
	}
	return ids
}
