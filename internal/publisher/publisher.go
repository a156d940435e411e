// Package publisher converts one post into the provider-specific call
// sequence that publishes it. Expected provider failures come back as
// unsuccessful results, never as Go errors; the orchestrator treats anything
// that escapes as a bug in the publisher.
package publisher

import (
	"context"
	"fmt"

	"github.com/crosspostd/crosspost/internal/models"
)

// Account carries the decrypted credentials for exactly one publish call.
// Plaintext tokens never outlive the call.
type Account struct {
	ID          int64
	Provider    string
	AccountID   string
	Username    string
	AccessToken string
	TokenSecret string
}

type Result struct {
	Success         bool
	Message         string
	ExternalPostURL string
	// AuthExpired reports that the provider rejected the credentials; the
	// caller transitions the account out of active.
	AuthExpired bool
}

func failure(format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

func authFailure(format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...), AuthExpired: true}
}

type Publisher interface {
	Provider() string
	Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *Account) Result
}

// Registry resolves the publisher for a provider. Unknown providers resolve
// to nothing; the caller reports exactly one unsupported result and runs no
// other provider's code.
type Registry struct {
	publishers map[string]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	m := make(map[string]Publisher, len(publishers))
	for _, p := range publishers {
		m[p.Provider()] = p
	}
	return &Registry{publishers: m}
}

func (r *Registry) Resolve(provider string) (Publisher, bool) {
	p, ok := r.publishers[provider]
	return p, ok
}

// Unsupported builds the uniform result for providers without a publisher.
func Unsupported(provider string) Result {
	return failure("publishing to %s is not supported", provider)
}
