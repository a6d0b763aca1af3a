package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/theycallmek/kingshot-coordinator/internal/provider"
)

// Class is the classifier's verdict on one dispatch.
type Class int

// Classifications.
const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassRateLimited
	ClassInvalidTarget
	ClassRejected
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassInvalidTarget:
		return "invalid_target"
	case ClassRejected:
		return "rejected"
	case ClassAuth:
		return "auth"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// CodeTable maps provider err_codes to classifications. Code zero is always
// success. A code missing from every list is treated as retryable so an
// unknown reply can never loop past MaxAttempts.
type CodeTable struct {
	Success       []int
	Retryable     []int
	RateLimited   []int
	InvalidTarget []int
	Rejected      []int
	Auth          []int
}

// DefaultCodeTable returns the codes observed from the account service.
func DefaultCodeTable() CodeTable {
	return CodeTable{
		Success:       []int{20000, 40008, 40011},
		Retryable:     []int{40004},
		InvalidTarget: []int{40001},
		Rejected:      []int{40005, 40007, 40014},
	}
}

// Validate rejects codes listed under more than one classification.
func (t CodeTable) Validate() error {
	seen := make(map[int]Class)

	var errs []error

	for _, group := range t.groups() {
		for _, code := range group.codes {
			if prev, ok := seen[code]; ok && prev != group.class {
				errs = append(errs, fmt.Errorf("provider code %d listed as both %s and %s",
					code, prev, group.class))

				continue
			}

			seen[code] = group.class
		}
	}

	return errors.Join(errs...)
}

type codeGroup struct {
	class Class
	codes []int
}

func (t CodeTable) groups() []codeGroup {
	return []codeGroup{
		{ClassSuccess, t.Success},
		{ClassRetryable, t.Retryable},
		{ClassRateLimited, t.RateLimited},
		{ClassInvalidTarget, t.InvalidTarget},
		{ClassRejected, t.Rejected},
		{ClassAuth, t.Auth},
	}
}

func (t CodeTable) lookup(code int) (Class, bool) {
	for _, group := range t.groups() {
		for _, c := range group.codes {
			if c == code {
				return group.class, true
			}
		}
	}

	return ClassRetryable, false
}

// Verdict is the classified result of one dispatch.
type Verdict struct {
	Class      Class
	Code       int
	Detail     string
	RetryAfter time.Duration
}

// Classify maps a provider reply (or error) to a Verdict.
func (t CodeTable) Classify(resp *provider.Response, err error) Verdict {
	if err != nil {
		return classifyError(err)
	}

	if resp == nil {
		return Verdict{Class: ClassRetryable, Detail: "empty provider response"}
	}

	v := Verdict{Code: resp.Code, Detail: resp.Message}

	if resp.Code == 0 {
		v.Class = ClassSuccess
		return v
	}

	class, known := t.lookup(resp.Code)
	v.Class = class

	if !known {
		v.Detail = fmt.Sprintf("unrecognized provider code %d: %s", resp.Code, resp.Message)
	}

	return v
}

// classifyError maps transport and HTTP errors. Ordering matters: a 429 is
// rate limiting even though the provider also reports it as an HTTP error.
func classifyError(err error) Verdict {
	v := Verdict{Detail: err.Error()}

	var perr *provider.Error
	if errors.As(err, &perr) {
		v.Code = perr.StatusCode
	}

	switch {
	case errors.Is(err, provider.ErrThrottled):
		v.Class = ClassRateLimited
		v.RetryAfter = provider.RetryAfter(err)
	case errors.Is(err, provider.ErrUnauthorized):
		v.Class = ClassAuth
	case errors.Is(err, provider.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, provider.ErrServerError),
		errors.Is(err, provider.ErrTransport),
		errors.Is(err, provider.ErrMalformed):
		v.Class = ClassRetryable
	case errors.Is(err, provider.ErrBadRequest),
		errors.Is(err, provider.ErrNotFound):
		v.Class = ClassRejected
	default:
		// Unknown errors are retried; MaxAttempts bounds them.
		v.Class = ClassRetryable
	}

	return v
}
