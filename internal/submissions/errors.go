package submissions

import (
	"errors"
	"fmt"
)

var (
	errMissingPool      = errors.New("connection pool is required")
	errMissingLimiter   = errors.New("rate limiter is required")
	errMissingValidator = errors.New("flag validator is required")
	errMissingCatalogue = errors.New("challenge catalogue is required")
)

// ServiceError carries an <operation>.<reason> code for logs and callers that need to branch.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "submissions.service.new"
	opSubmit     = "submissions.submit"
	opRegister   = "submissions.register"
	opDeactivate = "submissions.deactivate"

	reasonMissingPool      = "missing_pool"
	reasonMissingLimiter   = "missing_limiter"
	reasonMissingValidator = "missing_validator"
	reasonMissingCatalogue = "missing_catalogue"
	reasonIDFailed         = "attempt_id_failed"
	reasonPersistFailed    = "persist_failed"
	reasonTransient        = "transient_failure"
	reasonPoolExhausted    = "pool_exhausted"
	reasonAuditDropped     = "audit_dropped"
	reasonUsersUnavailable = "users_unavailable"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
