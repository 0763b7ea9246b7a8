package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Postgres reads the catalog service's tables. It implements Catalog,
// CollaborationRegistry and Identity.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ArtistExists fails with ErrNotFound for unknown artists
func (p *Postgres) ArtistExists(ctx context.Context, artistID int64) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM artists WHERE id = $1)", artistID).Scan(&exists)
	if err != nil {
		return metrics.WrapStoreError("artist exists", err)
	}
	if !exists {
		return fmt.Errorf("artist %d: %w", artistID, metrics.ErrNotFound)
	}
	return nil
}

// SongsByArtist returns the artist's songs ordered by id
func (p *Postgres) SongsByArtist(ctx context.Context, artistID int64) ([]Song, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, artist_id, album_id, title
		FROM songs
		WHERE artist_id = $1
		ORDER BY id
	`, artistID)
	if err != nil {
		return nil, metrics.WrapStoreError("songs by artist", err)
	}
	defer rows.Close()

	var songs []Song
	for rows.Next() {
		s, err := scanSong(rows)
		if err != nil {
			return nil, metrics.WrapStoreError("scan song", err)
		}
		songs = append(songs, s)
	}
	return songs, metrics.WrapStoreError("songs by artist", rows.Err())
}

// AlbumsByArtist returns the artist's albums ordered by id
func (p *Postgres) AlbumsByArtist(ctx context.Context, artistID int64) ([]Album, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, artist_id, title
		FROM albums
		WHERE artist_id = $1
		ORDER BY id
	`, artistID)
	if err != nil {
		return nil, metrics.WrapStoreError("albums by artist", err)
	}
	defer rows.Close()

	var albums []Album
	for rows.Next() {
		var a Album
		if err := rows.Scan(&a.ID, &a.ArtistID, &a.Title); err != nil {
			return nil, metrics.WrapStoreError("scan album", err)
		}
		albums = append(albums, a)
	}
	return albums, metrics.WrapStoreError("albums by artist", rows.Err())
}

// SongByID fails with ErrNotFound for unknown songs
func (p *Postgres) SongByID(ctx context.Context, songID int64) (Song, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, artist_id, album_id, title
		FROM songs
		WHERE id = $1
	`, songID)
	s, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Song{}, fmt.Errorf("song %d: %w", songID, metrics.ErrNotFound)
	}
	if err != nil {
		return Song{}, metrics.WrapStoreError("song by id", err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSong(row scanner) (Song, error) {
	var (
		s       Song
		albumID sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.ArtistID, &albumID, &s.Title); err != nil {
		return Song{}, err
	}
	if albumID.Valid {
		id := albumID.Int64
		s.AlbumID = &id
	}
	return s, nil
}

// AcceptedCollaborators lists accepted collaborations for a subject, ordered by id
func (p *Postgres) AcceptedCollaborators(ctx context.Context, subject metrics.SubjectRef) ([]Collaborator, error) {
	var column string
	switch subject.Type {
	case metrics.SubjectArtist:
		column = "artist_id"
	case metrics.SubjectSong:
		column = "song_id"
	case metrics.SubjectAlbum:
		column = "album_id"
	default:
		return nil, fmt.Errorf("unknown subject type %q", subject.Type)
	}

	// column is one of three constants above
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, song_id, album_id, artist_id, status, invited_by, revenue_percentage
		FROM collaborators
		WHERE `+column+` = $1 AND status = $2
		ORDER BY id
	`, subject.ID, string(StatusAccepted))
	if err != nil {
		return nil, metrics.WrapStoreError("accepted collaborators", err)
	}
	defer rows.Close()

	var out []Collaborator
	for rows.Next() {
		var (
			c               Collaborator
			songID, albumID sql.NullInt64
			status          string
			share           decimal.NullDecimal
		)
		if err := rows.Scan(&c.ID, &songID, &albumID, &c.ArtistID, &status, &c.InvitedBy, &share); err != nil {
			return nil, metrics.WrapStoreError("scan collaborator", err)
		}
		if songID.Valid {
			id := songID.Int64
			c.SongID = &id
		}
		if albumID.Valid {
			id := albumID.Int64
			c.AlbumID = &id
		}
		c.Status = CollaborationStatus(status)
		if share.Valid {
			c.RevenueSharePercentage = share.Decimal
		}
		out = append(out, c)
	}
	return out, metrics.WrapStoreError("accepted collaborators", rows.Err())
}

// DisplayNameFor returns the artist's display name
func (p *Postgres) DisplayNameFor(ctx context.Context, artistID int64) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx, "SELECT display_name FROM artists WHERE id = $1", artistID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("artist %d: %w", artistID, metrics.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: identity: %v", metrics.ErrUpstreamUnavailable, err)
	}
	return name, nil
}
