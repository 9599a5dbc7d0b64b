package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nedpals/supabase-go"
)

// ErrTokenRejected marks a definitive rejection by the identity provider.
// Such failures are not retried.
var ErrTokenRejected = errors.New("token rejected by identity provider")

type supabaseRemote struct {
	client *supabase.Client
}

// NewSupabaseRemote returns a RemoteVerifier backed by the Supabase auth API,
// or nil when url is empty.
func NewSupabaseRemote(url, serviceKey string) RemoteVerifier {
	if url == "" {
		return nil
	}
	return &supabaseRemote{client: supabase.CreateClient(url, serviceKey)}
}

func (s *supabaseRemote) User(ctx context.Context, token string) (Claims, error) {
	user, err := s.client.Auth.User(ctx, token)
	if err != nil {
		return Claims{}, classifySupabaseError(err)
	}
	return Claims{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// classifySupabaseError marks 4xx answers other than 429 as rejections.
func classifySupabaseError(err error) error {
	var apiErr *supabase.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return fmt.Errorf("supabase user: %w (%d %s)", ErrTokenRejected, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("supabase user: %w", err)
}
