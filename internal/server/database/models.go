package database

import "time"

// Share is a persisted link record. One row per issued link; looked up
// exclusively by the peppered token hash.
type Share struct {
	ID                string
	TokenHash         string
	Files             []ShareFile
	ExpiresAt         *time.Time // nil means the link never expires
	MaxDownloads      *int       // nil means unlimited redemptions
	DownloadCount     int
	PasswordProtected bool
	PasswordHash      *string // nil unless the uploader set a server-side password
	ClientEncrypted   bool
	CreatedAt         time.Time
}

// ShareFile describes one file in a share bundle. Written once at creation.
type ShareFile struct {
	Name        string
	Size        int64
	ContentType string // empty when the client did not declare one
	StorageKey  string
}

// Expired reports whether the share is past its expiry at the given instant.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Remaining returns how many redemptions are left, clamped to zero,
// or nil when the share has no download ceiling.
func (s *Share) Remaining() *int {
	if s.MaxDownloads == nil {
		return nil
	}
	r := *s.MaxDownloads - s.DownloadCount
	if r < 0 {
		r = 0
	}
	return &r
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalShares    int64
	ActiveShares   int64
	TotalDownloads int64
	BytesShared    int64
}
