// Package submission handles final specification hand-in: contact
// validation, reference-number generation, and durable persistence of the
// submitted package.
package submission

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/specdraft/specdraft/pkg/spec"
	"github.com/specdraft/specdraft/pkg/storage"
)

// ErrNotFound is returned when no submission matches a reference number.
var ErrNotFound = errors.New("submission not found")

// ValidationError reports a rejected contact field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Status is the review state of a submission.
type Status string

const (
	// StatusPending is a submission awaiting review.
	StatusPending Status = "pending"

	// StatusReviewed is a submission that has been looked at.
	StatusReviewed Status = "reviewed"

	// StatusQuoted is a submission answered with a quote.
	StatusQuoted Status = "quoted"
)

// Contact is the contact block required with every submission. Company is
// optional and not validated.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Company string `json:"company,omitempty"`
}

// Submission is one submitted specification package. Everything except
// Status is immutable once stored.
type Submission struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Reference string              `json:"reference"`
	Status    Status              `json:"status"`
	Contact   Contact             `json:"contact"`
	Spec      *spec.Specification `json:"spec"`
	CreatedAt time.Time           `json:"created_at"`
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()\-.]{5,}$`)
)

// Validate checks the contact block. All three fields are required.
func (c Contact) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(c.Email) == "" {
		return &ValidationError{Field: "email", Reason: "required"}
	}
	if !emailPattern.MatchString(c.Email) {
		return &ValidationError{Field: "email", Reason: "not a valid email address"}
	}
	if strings.TrimSpace(c.Phone) == "" {
		return &ValidationError{Field: "phone", Reason: "required"}
	}
	if !phonePattern.MatchString(c.Phone) {
		return &ValidationError{Field: "phone", Reason: "not a valid phone number"}
	}
	return nil
}

// referenceAlphabet excludes ambiguous characters (0/O, 1/I/L).
const (
	referenceAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	referenceLength   = 8
	referencePrefix   = "SD-"
	maxReferenceTries = 5
)

// Service persists submissions and resolves them by reference number.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// NewService creates a submission service over a record store.
func NewService(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Submit validates the contact block and persists the submission package
// under a fresh, unique, human-presentable reference number. Submissions
// never expire.
func (s *Service) Submit(ctx context.Context, sessionID string, contact Contact, sp *spec.Specification) (*Submission, error) {
	if err := contact.Validate(); err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, &ValidationError{Field: "spec", Reason: "required"}
	}

	sub := &Submission{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusPending,
		Contact:   contact,
		Spec:      sp,
		CreatedAt: time.Now().UTC(),
	}

	for try := 0; try < maxReferenceTries; try++ {
		ref, err := newReference()
		if err != nil {
			return nil, err
		}
		taken, err := s.store.GetByRef(ctx, storage.RefKey(ref))
		if err != nil {
			return nil, fmt.Errorf("check reference: %w", err)
		}
		if taken == nil {
			sub.Reference = ref
			break
		}
	}
	if sub.Reference == "" {
		return nil, fmt.Errorf("could not allocate a unique reference number")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	rec := &storage.Record{
		Key:    storage.SubmissionKey(sub.ID),
		RefKey: storage.RefKey(sub.Reference),
		Data:   data,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("put submission: %w", err)
	}

	s.logger.Info("submission stored",
		"submission_id", sub.ID, "session_id", sessionID, "reference", sub.Reference)
	return sub, nil
}

// LookupByReference resolves a submission by its reference number.
func (s *Service) LookupByReference(ctx context.Context, reference string) (*Submission, error) {
	reference = strings.ToUpper(strings.TrimSpace(reference))
	if reference == "" {
		return nil, ErrNotFound
	}

	rec, err := s.store.GetByRef(ctx, storage.RefKey(reference))
	if err != nil {
		return nil, fmt.Errorf("lookup reference: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	var sub Submission
	if err := json.Unmarshal(rec.Data, &sub); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", rec.Key, err)
	}
	return &sub, nil
}

// UpdateStatus moves a submission to a new review status. The reference
// number is the handle, as used by the review side.
func (s *Service) UpdateStatus(ctx context.Context, reference string, status Status) (*Submission, error) {
	switch status {
	case StatusPending, StatusReviewed, StatusQuoted:
	default:
		return nil, &ValidationError{Field: "status", Reason: "unknown status"}
	}

	sub, err := s.LookupByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	sub.Status = status

	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	rec := &storage.Record{
		Key:    storage.SubmissionKey(sub.ID),
		RefKey: storage.RefKey(sub.Reference),
		Data:   data,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("put submission: %w", err)
	}

	s.logger.Info("submission status updated",
		"submission_id", sub.ID, "reference", sub.Reference, "status", string(status))
	return sub, nil
}

// newReference generates a reference like "SD-7KQ2M4XW".
func newReference() (string, error) {
	var b strings.Builder
	b.WriteString(referencePrefix)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := 0; i < referenceLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate reference: %w", err)
		}
		b.WriteByte(referenceAlphabet[n.Int64()])
	}
	return b.String(), nil
}
