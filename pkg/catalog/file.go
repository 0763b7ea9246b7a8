package catalog

import (
	"bytes"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	Artists       []fileArtist       `yaml:"artists"`
	Collaborators []fileCollaborator `yaml:"collaborators"`
}

type fileArtist struct {
	ID     int64       `yaml:"id"`
	Name   string      `yaml:"name"`
	Albums []fileAlbum `yaml:"albums"`
	Songs  []fileSong  `yaml:"songs"`
}

type fileAlbum struct {
	ID    int64      `yaml:"id"`
	Title string     `yaml:"title"`
	Songs []fileSong `yaml:"songs"`
}

type fileSong struct {
	ID    int64  `yaml:"id"`
	Title string `yaml:"title"`
}

type fileCollaborator struct {
	SongID    *int64              `yaml:"song_id"`
	AlbumID   *int64              `yaml:"album_id"`
	ArtistID  int64               `yaml:"artist_id"`
	Status    CollaborationStatus `yaml:"status"`
	InvitedBy int64               `yaml:"invited_by"`
	Share     string              `yaml:"revenue_share_percentage"`
}

// LoadFile builds an in-memory catalog from a YAML document listing artists
// with their albums and songs, followed by collaborations:
//
//	artists:
//	  - id: 1
//	    name: Nova
//	    songs: [{id: 1, title: Single}]
//	    albums:
//	      - id: 10
//	        title: First Light
//	        songs: [{id: 3, title: Dawn}]
//	collaborators:
//	  - {song_id: 3, artist_id: 2, status: ACCEPTED, invited_by: 1, revenue_share_percentage: "25"}
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return m, nil
}

// Parse builds an in-memory catalog from a YAML document in the format
// LoadFile reads
func Parse(data []byte) (*Memory, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	m := NewMemory()
	for _, a := range doc.Artists {
		m.AddArtist(a.ID, a.Name)
	}
	// Artists first so songs and albums may reference any of them
	for _, a := range doc.Artists {
		for _, s := range a.Songs {
			if err := m.AddSong(Song{ID: s.ID, ArtistID: a.ID, Title: s.Title}); err != nil {
				return nil, err
			}
		}
		for _, al := range a.Albums {
			if err := m.AddAlbum(Album{ID: al.ID, ArtistID: a.ID, Title: al.Title}); err != nil {
				return nil, err
			}
			for _, s := range al.Songs {
				albumID := al.ID
				if err := m.AddSong(Song{ID: s.ID, ArtistID: a.ID, AlbumID: &albumID, Title: s.Title}); err != nil {
					return nil, err
				}
			}
		}
	}
	for i, c := range doc.Collaborators {
		share, err := decimal.NewFromString(c.Share)
		if err != nil {
			return nil, fmt.Errorf("collaborator %d: revenue share %q: %w", i, c.Share, err)
		}
		if _, err := m.AddCollaborator(Collaborator{
			SongID:                 c.SongID,
			AlbumID:                c.AlbumID,
			ArtistID:               c.ArtistID,
			Status:                 c.Status,
			InvitedBy:              c.InvitedBy,
			RevenueSharePercentage: share,
		}); err != nil {
			return nil, fmt.Errorf("collaborator %d: %w", i, err)
		}
	}
	return m, nil
}
