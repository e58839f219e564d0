package photos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/schema"
)

// TokenSource supplies the bearer token for presigned uploads.
type TokenSource interface {
	Token() string
}

// Result counts the outcome of UploadPending.
type Result struct {
	Uploaded int
	Failed   int
	Missing  int // local file no longer exists
}

// Service uploads photo bytes for photos that have no remote key.
type Service struct {
	store    *db.DB
	uploader Uploader
	tokens   TokenSource
	logger   *log.Logger
}

// NewService creates a Service. tokens may be nil for uploaders that do not
// need a bearer token.
func NewService(store *db.DB, uploader Uploader, tokens TokenSource, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[photos] ", log.LstdFlags)
	}
	return &Service{store: store, uploader: uploader, tokens: tokens, logger: logger}
}

// UploadPending uploads every photo with a local file and no remote key.
// Individual failures are counted and logged; the first error aborts only
// when it is ErrNoCredential.
func (s *Service) UploadPending(ctx context.Context) (Result, error) {
	var res Result

	photos, err := s.store.ListPhotos(ctx, "")
	if err != nil {
		return res, err
	}

	token := ""
	if s.tokens != nil {
		token = s.tokens.Token()
	}

	for _, p := range photos {
		if p.Uploaded() || p.LocalURI == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := s.uploadOne(ctx, token, p)
		switch {
		case err == nil:
			res.Uploaded++
		case errors.Is(err, ErrNoCredential):
			return res, err
		case errors.Is(err, os.ErrNotExist):
			res.Missing++
			s.logger.Printf("Warning: photo %s: file %s is gone", p.ID, p.LocalURI)
		default:
			res.Failed++
			s.logger.Printf("Warning: photo %s: %v", p.ID, err)
		}
	}
	return res, nil
}

func (s *Service) uploadOne(ctx context.Context, token string, p *schema.PhotoMeta) error {
	f, err := os.Open(localPath(p.LocalURI))
	if err != nil {
		return err
	}
	defer f.Close()

	size := p.Size
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	key, err := s.uploader.Upload(ctx, token, p, f, size)
	if err != nil {
		return err
	}

	p.RemoteKey = key
	p.Size = size
	if err := s.store.PutPhoto(ctx, p); err != nil {
		return fmt.Errorf("failed to record remote key: %w", err)
	}
	return nil
}

// localPath accepts plain paths and file:// URIs.
func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
