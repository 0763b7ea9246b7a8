package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/shopspring/decimal"
)

// ErrShareExceeded is returned when accepted revenue shares on one song or
// album would exceed 100%
var ErrShareExceeded = errors.New("accepted revenue shares exceed 100%")

var fullShare = decimal.NewFromInt(100)

// Memory is an in-process catalog, collaboration registry and identity
// service
type Memory struct {
	mu            sync.RWMutex
	artists       map[int64]string
	songs         map[int64]Song
	albums        map[int64]Album
	collaborators map[int64]Collaborator
	nextCollabID  int64
}

// NewMemory creates an empty catalog
func NewMemory() *Memory {
	return &Memory{
		artists:       make(map[int64]string),
		songs:         make(map[int64]Song),
		albums:        make(map[int64]Album),
		collaborators: make(map[int64]Collaborator),
	}
}

// AddArtist registers an artist and their display name
func (m *Memory) AddArtist(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artists[id] = name
}

// AddAlbum registers an album; its artist must exist
func (m *Memory) AddAlbum(album Album) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artists[album.ArtistID]; !ok {
		return fmt.Errorf("artist %d: %w", album.ArtistID, metrics.ErrNotFound)
	}
	m.albums[album.ID] = album
	return nil
}

// AddSong registers a song; its artist and album must exist
func (m *Memory) AddSong(song Song) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artists[song.ArtistID]; !ok {
		return fmt.Errorf("artist %d: %w", song.ArtistID, metrics.ErrNotFound)
	}
	if song.AlbumID != nil {
		if _, ok := m.albums[*song.AlbumID]; !ok {
			return fmt.Errorf("album %d: %w", *song.AlbumID, metrics.ErrNotFound)
		}
	}
	m.songs[song.ID] = song
	return nil
}

// AddCollaborator records an invitation and returns it with its assigned id
func (m *Memory) AddCollaborator(c Collaborator) (Collaborator, error) {
	if (c.SongID == nil) == (c.AlbumID == nil) {
		return Collaborator{}, errors.New("collaborator needs exactly one of song id and album id")
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	if !c.Status.Valid() {
		return Collaborator{}, fmt.Errorf("unknown collaboration status %q", c.Status)
	}
	if c.RevenueSharePercentage.IsNegative() || c.RevenueSharePercentage.GreaterThan(fullShare) {
		return Collaborator{}, fmt.Errorf("revenue share %s out of range", c.RevenueSharePercentage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == StatusAccepted {
		if err := m.checkShareLocked(c, 0); err != nil {
			return Collaborator{}, err
		}
	}
	m.nextCollabID++
	c.ID = m.nextCollabID
	m.collaborators[c.ID] = c
	return c, nil
}

// SetStatus moves a collaboration to a new status. Accepting checks the
// revenue share ceiling.
func (m *Memory) SetStatus(collaboratorID int64, status CollaborationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown collaboration status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collaborators[collaboratorID]
	if !ok {
		return fmt.Errorf("collaborator %d: %w", collaboratorID, metrics.ErrNotFound)
	}
	if status == StatusAccepted && c.Status != StatusAccepted {
		if err := m.checkShareLocked(c, collaboratorID); err != nil {
			return err
		}
	}
	c.Status = status
	m.collaborators[collaboratorID] = c
	return nil
}

func (m *Memory) checkShareLocked(c Collaborator, skipID int64) error {
	total := c.RevenueSharePercentage
	for id, other := range m.collaborators {
		if id == skipID || other.Status != StatusAccepted || !sameWork(c, other) {
			continue
		}
		total = total.Add(other.RevenueSharePercentage)
	}
	if total.GreaterThan(fullShare) {
		return fmt.Errorf("%w: total would be %s%%", ErrShareExceeded, total)
	}
	return nil
}

func sameWork(a, b Collaborator) bool {
	switch {
	case a.SongID != nil && b.SongID != nil:
		return *a.SongID == *b.SongID
	case a.AlbumID != nil && b.AlbumID != nil:
		return *a.AlbumID == *b.AlbumID
	}
	return false
}

// ArtistExists fails with ErrNotFound for unknown artists
func (m *Memory) ArtistExists(_ context.Context, artistID int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.artists[artistID]; !ok {
		return fmt.Errorf("artist %d: %w", artistID, metrics.ErrNotFound)
	}
	return nil
}

// SongsByArtist returns the artist's songs ordered by id
func (m *Memory) SongsByArtist(_ context.Context, artistID int64) ([]Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var songs []Song
	for _, s := range m.songs {
		if s.ArtistID == artistID {
			songs = append(songs, s)
		}
	}
	sort.Slice(songs, func(i, j int) bool { return songs[i].ID < songs[j].ID })
	return songs, nil
}

// AlbumsByArtist returns the artist's albums ordered by id
func (m *Memory) AlbumsByArtist(_ context.Context, artistID int64) ([]Album, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var albums []Album
	for _, a := range m.albums {
		if a.ArtistID == artistID {
			albums = append(albums, a)
		}
	}
	sort.Slice(albums, func(i, j int) bool { return albums[i].ID < albums[j].ID })
	return albums, nil
}

// SongByID fails with ErrNotFound for unknown songs
func (m *Memory) SongByID(_ context.Context, songID int64) (Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.songs[songID]
	if !ok {
		return Song{}, fmt.Errorf("song %d: %w", songID, metrics.ErrNotFound)
	}
	return s, nil
}

// AcceptedCollaborators lists accepted collaborations for a subject, ordered by id
func (m *Memory) AcceptedCollaborators(_ context.Context, subject metrics.SubjectRef) ([]Collaborator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Collaborator
	for _, c := range m.collaborators {
		if c.Status == StatusAccepted && matches(c, subject) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(c Collaborator, subject metrics.SubjectRef) bool {
	switch subject.Type {
	case metrics.SubjectArtist:
		return c.ArtistID == subject.ID
	case metrics.SubjectSong:
		return c.SongID != nil && *c.SongID == subject.ID
	case metrics.SubjectAlbum:
		return c.AlbumID != nil && *c.AlbumID == subject.ID
	}
	return false
}

// DisplayNameFor returns the registered artist name
func (m *Memory) DisplayNameFor(_ context.Context, artistID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.artists[artistID]
	if !ok {
		return "", fmt.Errorf("artist %d: %w", artistID, metrics.ErrNotFound)
	}
	return name, nil
}
