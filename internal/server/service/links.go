package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"relay/internal/server/config"
	"relay/internal/server/database"
	"relay/internal/server/handoff"
	"relay/internal/server/token"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the service layer. NotFound, Expired and
// QuotaExhausted are expected outcomes, not failures; every caller of
// Resolve/Redeem handles all three plus success.
var (
	ErrShareNotFound    = errors.New("share not found")
	ErrShareExpired     = errors.New("share has expired")
	ErrQuotaExhausted   = errors.New("download quota exhausted")
	ErrBadRequest       = errors.New("bad request")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
)

// RecordStore is the persistence contract the engine depends on.
// ConsumeDownload must combine the quota check and the increment in a single
// atomic operation; the engine never does read-modify-write on the counter.
type RecordStore interface {
	Create(ctx context.Context, share *database.Share) error
	GetByTokenHash(ctx context.Context, hash string) (*database.Share, error)
	ConsumeDownload(ctx context.Context, id string) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	GetExpired(ctx context.Context, now time.Time) ([]*database.Share, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// FileDescriptor is what the uploader declares about a file before any bytes
// move.
type FileDescriptor struct {
	Name        string
	Size        int64
	ContentType string
}

// UploadTarget is a presigned PUT destination for one file of an upload.
type UploadTarget struct {
	FileIndex  int
	URL        string
	StorageKey string
}

// InitResult is returned by InitUpload. Nothing is persisted yet; the token
// only becomes redeemable once CompleteUpload runs.
type InitResult struct {
	UploadID        string
	Token           string
	Targets         []UploadTarget
	ClientEncrypted bool
	ExpiresAt       *time.Time
	MaxDownloads    *int
}

// CompleteRequest finalizes an upload whose bytes the client pushed directly
// to blob storage. The file metadata is self-reported; the engine does not
// verify the objects exist.
type CompleteRequest struct {
	UploadID          string
	Token             string
	Files             []database.ShareFile
	ClientEncrypted   bool
	ExpiresAt         *time.Time
	MaxDownloads      *int
	PasswordProtected bool
	Password          string // optional; when set the gate is enforced server-side
}

// LinkFile is the recipient-visible description of one file. Storage keys
// never appear here.
type LinkFile struct {
	Name string
	Size int64
}

// LinkView is the read-only probe result for a live link.
type LinkView struct {
	Files             []LinkFile
	PasswordProtected bool
	ExpiresAt         *time.Time
	Remaining         *int // nil when unlimited
}

// FileURL pairs a file name with a presigned download URL.
type FileURL struct {
	Name string
	URL  string
}

// RedeemResult is one consumed redemption: a download URL per file in the
// bundle plus the post-increment remaining count.
type RedeemResult struct {
	Files     []FileURL
	Remaining *int
}

// Engine orchestrates the link lifecycle: issuance, the two-phase upload
// protocol, and the validate/authorize/redeem transition for downloads.
type Engine struct {
	store  RecordStore
	signer handoff.Signer
	cfg    *config.Config
}

// NewEngine creates a lifecycle engine.
func NewEngine(store RecordStore, signer handoff.Signer, cfg *config.Config) *Engine {
	return &Engine{
		store:  store,
		signer: signer,
		cfg:    cfg,
	}
}

// InitUpload starts the two-phase upload protocol: it mints an upload id and
// a public token, derives one storage key per declared file, and returns a
// presigned PUT URL for each. No record is persisted; an abandoned init
// leaves at most orphaned blob objects behind.
//
// expirySeconds nil means the link never expires.
func (e *Engine) InitUpload(ctx context.Context, files []FileDescriptor, clientEncrypted bool, expirySeconds *int64, maxDownloads *int) (*InitResult, error) {
	if maxDownloads != nil && *maxDownloads <= 0 {
		return nil, fmt.Errorf("%w: maxDownloads must be positive", ErrBadRequest)
	}

	uploadID := token.NewID()
	tok, err := token.Generate(e.cfg.TokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	var expiresAt *time.Time
	if expirySeconds != nil {
		t := time.Now().UTC().Add(time.Duration(*expirySeconds) * time.Second)
		expiresAt = &t
	}

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = StorageKey(uploadID, i, f.Name)
	}

	signed, err := e.signer.IssueUploadTargets(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to issue upload targets: %w", err)
	}

	targets := make([]UploadTarget, len(signed))
	for i, s := range signed {
		targets[i] = UploadTarget{FileIndex: i, URL: s.URL, StorageKey: s.Key}
	}

	slog.Info("upload initialized", "upload_id", uploadID, "files", len(files))

	return &InitResult{
		UploadID:        uploadID,
		Token:           tok,
		Targets:         targets,
		ClientEncrypted: clientEncrypted,
		ExpiresAt:       expiresAt,
		MaxDownloads:    maxDownloads,
	}, nil
}

// CompleteUpload persists the share record and returns the public link with
// the raw token embedded. On the astronomically unlikely token-hash
// collision the token is regenerated and the insert retried once; the link
// the uploader receives is built from whichever token won.
func (e *Engine) CompleteUpload(ctx context.Context, req *CompleteRequest) (string, error) {
	if req.UploadID == "" || req.Token == "" {
		return "", fmt.Errorf("%w: missing uploadId or token", ErrBadRequest)
	}
	if req.MaxDownloads != nil && *req.MaxDownloads <= 0 {
		return "", fmt.Errorf("%w: maxDownloads must be positive", ErrBadRequest)
	}

	share := &database.Share{
		ID:                req.UploadID,
		Files:             req.Files,
		ExpiresAt:         req.ExpiresAt,
		MaxDownloads:      req.MaxDownloads,
		DownloadCount:     0,
		PasswordProtected: req.PasswordProtected,
		ClientEncrypted:   req.ClientEncrypted,
		CreatedAt:         time.Now().UTC(),
	}

	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		share.PasswordHash = &h
		share.PasswordProtected = true
	}

	tok := req.Token
	share.TokenHash = token.Hash(tok, e.cfg.TokenPepper)

	err := e.store.Create(ctx, share)
	if errors.Is(err, database.ErrTokenHashTaken) {
		tok, err = token.Generate(e.cfg.TokenLength)
		if err != nil {
			return "", fmt.Errorf("failed to regenerate token: %w", err)
		}
		share.TokenHash = token.Hash(tok, e.cfg.TokenPepper)
		err = e.store.Create(ctx, share)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create share record: %w", err)
	}

	slog.Info("share created",
		"share_id", share.ID,
		"files", len(share.Files),
		"expires_at", share.ExpiresAt,
		"max_downloads", req.MaxDownloads,
	)

	return e.publicLink(tok), nil
}

// Resolve is a side-effect-free probe of a link. It never touches the
// download counter, so callers may poll it freely.
func (e *Engine) Resolve(ctx context.Context, tok string) (*LinkView, error) {
	share, err := e.lookup(ctx, tok)
	if err != nil {
		return nil, err
	}

	files := make([]LinkFile, len(share.Files))
	for i, f := range share.Files {
		files[i] = LinkFile{Name: f.Name, Size: f.Size}
	}

	return &LinkView{
		Files:             files,
		PasswordProtected: share.PasswordProtected,
		ExpiresAt:         share.ExpiresAt,
		Remaining:         share.Remaining(),
	}, nil
}

// Redeem consumes one unit of quota and returns a presigned download URL per
// file. The bundle counts as a single download no matter how many files it
// holds. URLs are presigned before the counter moves, so a signing failure
// never costs quota; the conditional increment in the store closes the
// remaining race when two redemptions fight over the last unit.
func (e *Engine) Redeem(ctx context.Context, tok string, password string) (*RedeemResult, error) {
	share, err := e.lookup(ctx, tok)
	if err != nil {
		return nil, err
	}

	if share.MaxDownloads != nil && share.DownloadCount >= *share.MaxDownloads {
		return nil, ErrQuotaExhausted
	}

	if share.PasswordHash != nil {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)); err != nil {
			return nil, ErrInvalidPassword
		}
	}

	keys := make([]string, len(share.Files))
	for i, f := range share.Files {
		keys[i] = f.StorageKey
	}

	signed, err := e.signer.IssueDownloadTargets(ctx, keys, e.cfg.DownloadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue download targets: %w", err)
	}

	newCount, err := e.store.ConsumeDownload(ctx, share.ID)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrQuotaReached):
			return nil, ErrQuotaExhausted
		case errors.Is(err, database.ErrShareNotFound):
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to consume download: %w", err)
	}

	files := make([]FileURL, len(share.Files))
	for i, f := range share.Files {
		files[i] = FileURL{Name: f.Name, URL: signed[i].URL}
	}

	var remaining *int
	if share.MaxDownloads != nil {
		r := *share.MaxDownloads - newCount
		if r < 0 {
			r = 0
		}
		remaining = &r
	}

	slog.Info("share redeemed", "share_id", share.ID, "download_count", newCount)

	return &RedeemResult{Files: files, Remaining: remaining}, nil
}

// GetStats returns aggregate server statistics.
func (e *Engine) GetStats(ctx context.Context) (*database.Stats, error) {
	return e.store.GetStats(ctx)
}

// lookup hashes the token and fetches the share, mapping the two dead
// states. An expired share is reported as expired, not missing, until the
// purge sweep physically removes it.
func (e *Engine) lookup(ctx context.Context, tok string) (*database.Share, error) {
	if tok == "" {
		return nil, ErrShareNotFound
	}
	share, err := e.store.GetByTokenHash(ctx, token.Hash(tok, e.cfg.TokenPepper))
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to look up share: %w", err)
	}
	if share.Expired(time.Now()) {
		return nil, ErrShareExpired
	}
	return share, nil
}

func (e *Engine) publicLink(tok string) string {
	return fmt.Sprintf("%s/t/%s", strings.TrimRight(e.cfg.BaseURL, "/"), tok)
}

// StorageKey derives the blob key for one file of an upload. Keys embed the
// upload id so concurrent uploads can never collide, and the index so
// duplicate filenames within a bundle stay distinct.
func StorageKey(uploadID string, index int, name string) string {
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%s/%d-%s", uploadID, index, url.PathEscape(name))
}
