package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
)

var ErrAccountNotFound = errors.New("calendar account not connected")

// Account is a connected external calendar. Ref is the opaque value meeting
// types store as their calendar account reference.
type Account struct {
	Ref        string
	TenantID   uuid.UUID
	CalendarID string
	Token      *oauth2.Token
}

type AccountStore interface {
	Account(ctx context.Context, ref string) (*Account, error)
	SaveToken(ctx context.Context, ref string, tok *oauth2.Token) error
}

type MemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[string]Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]Account)}
}

func (s *MemoryAccountStore) Put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Ref] = a
}

func (s *MemoryAccountStore) Account(_ context.Context, ref string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ref]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Token != nil {
		tok := *a.Token
		a.Token = &tok
	}
	return &a, nil
}

func (s *MemoryAccountStore) SaveToken(_ context.Context, ref string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ref]
	if !ok {
		return ErrAccountNotFound
	}
	cp := *tok
	a.Token = &cp
	s.accounts[ref] = a
	return nil
}

// PgAccountStore keeps OAuth tokens in calendar_accounts.
type PgAccountStore struct {
	pool *pgxpool.Pool
}

func NewPgAccountStore(pool *pgxpool.Pool) *PgAccountStore {
	return &PgAccountStore{pool: pool}
}

func (s *PgAccountStore) Account(ctx context.Context, ref string) (*Account, error) {
	var (
		a       Account
		tok     oauth2.Token
		refresh *string
		expiry  *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT account_ref, tenant_id, calendar_id, access_token, refresh_token, token_type, token_expiry
		FROM calendar_accounts
		WHERE account_ref = $1
	`, ref).Scan(&a.Ref, &a.TenantID, &a.CalendarID, &tok.AccessToken, &refresh, &tok.TokenType, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load calendar account: %w", err)
	}
	if refresh != nil {
		tok.RefreshToken = *refresh
	}
	if expiry != nil {
		tok.Expiry = *expiry
	}
	a.Token = &tok
	return &a, nil
}

func (s *PgAccountStore) SaveToken(ctx context.Context, ref string, tok *oauth2.Token) error {
	var refresh *string
	if tok.RefreshToken != "" {
		refresh = &tok.RefreshToken
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_accounts
		SET access_token = $2,
		    refresh_token = COALESCE($3, refresh_token),
		    token_type = $4,
		    token_expiry = $5,
		    updated_at = now()
		WHERE account_ref = $1
	`, ref, tok.AccessToken, refresh, tok.TokenType, tok.Expiry)
	if err != nil {
		return fmt.Errorf("save calendar token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
