package query

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/shopspring/decimal"
)

// FamilyTotals carries one value per metric. A nil field belongs to a family
// whose upstream is unavailable.
type FamilyTotals struct {
	Plays         *int64           `json:"plays,omitempty"`
	Sales         *int64           `json:"sales,omitempty"`
	Revenue       *decimal.Decimal `json:"revenue,omitempty"`
	Comments      *int64           `json:"comments,omitempty"`
	AverageRating *float64         `json:"average_rating,omitempty"`
	Ratings       *int64           `json:"ratings,omitempty"`
}

// MostPlayedSong is the artist's song with the most plays in the window
type MostPlayedSong struct {
	SongID int64  `json:"song_id"`
	Title  string `json:"title"`
	Plays  int64  `json:"plays"`
}

// Degradation reports how each metric family was served
type Degradation struct {
	Families map[upstream.Family]upstream.Status `json:"families"`
	// Unavailable names the families and collaborators that could not be
	// reached, sorted
	Unavailable []string `json:"unavailable,omitempty"`
}

// ArtistSummaryResponse is an artist's headline metrics over the trailing
// window, with all-time totals
type ArtistSummaryResponse struct {
	ArtistID    int64             `json:"artist_id"`
	ArtistName  string            `json:"artist_name"`
	GeneratedAt time.Time         `json:"generated_at"`
	Window      metrics.DateRange `json:"window"`

	AllTime  FamilyTotals                      `json:"all_time"`
	InWindow FamilyTotals                      `json:"in_window"`
	Growth   map[metrics.Metric]metrics.Growth `json:"growth"`

	TotalSongs          int             `json:"total_songs"`
	TotalAlbums         int             `json:"total_albums"`
	TotalCollaborations int             `json:"total_collaborations"`
	MostPlayedSong      *MostPlayedSong `json:"most_played_song,omitempty"`

	Degradation
	Synthetic bool `json:"synthetic,omitempty"`
}

// DailyMetrics is one date of an artist's detailed timeline
type DailyMetrics struct {
	Date civil.Date `json:"date"`
	FamilyTotals
}

// ArtistDetailedResponse is an artist's day-by-day metrics over a range
type ArtistDetailedResponse struct {
	ArtistID   int64      `json:"artist_id"`
	ArtistName string     `json:"artist_name"`
	StartDate  civil.Date `json:"start_date"`
	EndDate    civil.Date `json:"end_date"`

	DailyMetrics []DailyMetrics                    `json:"daily_metrics"`
	PeriodTotals FamilyTotals                      `json:"period_totals"`
	Growth       map[metrics.Metric]metrics.Growth `json:"growth"`

	Degradation
	Synthetic bool `json:"synthetic,omitempty"`
}

// SongMetricsResponse is a song's all-time totals and its place in the
// artist's catalog
type SongMetricsResponse struct {
	SongID     int64  `json:"song_id"`
	SongName   string `json:"song_name"`
	ArtistID   int64  `json:"artist_id"`
	ArtistName string `json:"artist_name"`

	Totals              FamilyTotals `json:"totals"`
	RankInArtistCatalog int          `json:"rank_in_artist_catalog"`

	Degradation
	Synthetic bool `json:"synthetic,omitempty"`
}
