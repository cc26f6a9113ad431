package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

var (
	// ErrAuthenticationFailed means the registry rejected the credentials. Fatal.
	ErrAuthenticationFailed = errors.New("registry authentication failed")
	// ErrQuotaExceeded means the registry refused storage or request quota. Fatal.
	ErrQuotaExceeded = errors.New("registry quota exceeded")
	// ErrNetwork is a transient registry or transport failure. Retryable.
	ErrNetwork = errors.New("registry network error")
)

// PublishError carries the failure kind and the reference being published.
type PublishError struct {
	Kind error
	Ref  string
	Err  error
}

func (e *PublishError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("publish %s: %v: %v", e.Ref, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func classify(ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := ErrNetwork
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case isQuota(terr):
			kind = ErrQuotaExceeded
		case terr.StatusCode == http.StatusUnauthorized,
			terr.StatusCode == http.StatusForbidden,
			hasCode(terr, transport.UnauthorizedErrorCode),
			hasCode(terr, transport.DeniedErrorCode):
			kind = ErrAuthenticationFailed
		}
	}
	return &PublishError{Kind: kind, Ref: ref, Err: err}
}

func isQuota(terr *transport.Error) bool {
	switch terr.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return true
	}
	if hasCode(terr, transport.TooManyRequestsErrorCode) {
		return true
	}
	for _, d := range terr.Errors {
		if strings.Contains(strings.ToLower(d.Message), "quota") {
			return true
		}
	}
	return false
}

func hasCode(terr *transport.Error, code transport.ErrorCode) bool {
	for _, d := range terr.Errors {
		if d.Code == code {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}
