package patient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BillingProvisioner asks the remote billing service to open an account for a
// freshly committed patient. It is an at-least-once-attempted side effect and
// never a source of truth for patient existence.
type BillingProvisioner interface {
	CreateAccount(ctx context.Context, patientID, name, email string) error
}

// EventKind identifies a patient lifecycle transition.
type EventKind string

const (
	EventCreated EventKind = "patient.created"
	EventUpdated EventKind = "patient.updated"
	EventDeleted EventKind = "patient.deleted"
)

// Event describes a lifecycle transition handed to the publisher. Patient is
// nil for deletions.
type Event struct {
	Kind      EventKind
	PatientID uuid.UUID
	Patient   *Response
}

// EventPublisher announces patient lifecycle events to interested
// subscribers. Delivery guarantees are the publisher's concern.
type EventPublisher interface {
	PublishPatientEvent(ctx context.Context, e Event) error
}

// Collaborator names reported in side-effect warnings.
const (
	CollaboratorBilling = "billing"
	CollaboratorEvents  = "events"
)

// SideEffectFailure records one downstream collaborator that failed after the
// local commit already succeeded.
type SideEffectFailure struct {
	Collaborator string `json:"collaborator"`
	Reason       string `json:"reason"`
}

// Result carries the committed patient plus any non-fatal downstream
// failures. A non-empty Warnings slice never means the operation failed: the
// store commit is authoritative and is never rolled back by a billing or
// event problem. Reconciliation of failed side effects is left to the event
// delivery log and an external process.
type Result struct {
	Patient  Response
	Warnings []SideEffectFailure
}

// Service coordinates the patient store, the billing provisioner and the
// event publisher. It holds no mutable state of its own; every operation
// re-reads current state from the repository, and the uniqueness guarantee
// comes from the store's atomic constraint, not from the advisory pre-checks
// here.
type Service struct {
	patients Repository
	billing  BillingProvisioner
	events   EventPublisher
	logger   zerolog.Logger

	billingTimeout time.Duration
	eventTimeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithBillingTimeout bounds each billing provisioning call.
func WithBillingTimeout(d time.Duration) Option {
	return func(s *Service) { s.billingTimeout = d }
}

// WithEventTimeout bounds each event publish call.
func WithEventTimeout(d time.Duration) Option {
	return func(s *Service) { s.eventTimeout = d }
}

func NewService(patients Repository, billing BillingProvisioner, events EventPublisher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		patients:       patients,
		billing:        billing,
		events:         events,
		logger:         logger,
		billingTimeout: 5 * time.Second,
		eventTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetAll returns every patient in store order, mapped to responses.
func (s *Service) GetAll(ctx context.Context) ([]Response, error) {
	patients, err := s.patients.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	out := make([]Response, len(patients))
	for i, p := range patients {
		out[i] = p.ToResponse()
	}
	return out, nil
}

// Get returns one patient by identifier.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	p, err := s.patients.FindByID(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return p.ToResponse(), nil
}

// Create validates the request, commits the patient locally, then drives the
// billing provisioning call and the created event. The local write is the
// source of truth and happens exactly once, before any remote call; remote
// effects are consequences of the committed fact. Failures after the commit
// are collected as warnings, never as a rollback.
func (s *Service) Create(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Advisory pre-check: fail fast with a clean error. The store's atomic
	// constraint below is the real guarantee.
	exists, err := s.patients.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, ErrDuplicateEmail
	}

	p := &Patient{ID: uuid.New()}
	p.Apply(req)
	if err := s.patients.Create(ctx, p); err != nil {
		// A concurrent writer may have claimed the email between the
		// pre-check and the write; the repository reports that as
		// ErrDuplicateEmail and nothing was committed.
		return nil, err
	}

	warnings := s.afterCreate(ctx, p)
	return &Result{Patient: p.ToResponse(), Warnings: warnings}, nil
}

// afterCreate runs the post-commit side effects. Billing and the created
// event are independent of each other and run concurrently; both are bounded
// by their own timeout and neither can fail the creation.
func (s *Service) afterCreate(ctx context.Context, p *Patient) []SideEffectFailure {
	var (
		mu       sync.Mutex
		warnings []SideEffectFailure
	)
	record := func(collaborator string, err error) {
		s.logger.Warn().
			Err(err).
			Str("patient_id", p.ID.String()).
			Str("collaborator", collaborator).
			Msg("post-commit side effect failed")
		mu.Lock()
		warnings = append(warnings, SideEffectFailure{Collaborator: collaborator, Reason: err.Error()})
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bctx, cancel := context.WithTimeout(ctx, s.billingTimeout)
		defer cancel()
		if err := s.billing.CreateAccount(bctx, p.ID.String(), p.Name, p.Email); err != nil {
			record(CollaboratorBilling, err)
		}
	}()
	go func() {
		defer wg.Done()
		resp := p.ToResponse()
		if err := s.publish(ctx, Event{Kind: EventCreated, PatientID: p.ID, Patient: &resp}); err != nil {
			record(CollaboratorEvents, err)
		}
	}()
	wg.Wait()
	return warnings
}

// Update replaces every field of an existing patient. No billing call is made
// on update; account provisioning is a creation-time side effect only.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req Request) (*Result, error) {
	p, err := s.patients.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	taken, err := s.patients.ExistsByEmailExcluding(ctx, req.Email, id)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, ErrDuplicateEmail
	}

	p.Apply(req)
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}

	var warnings []SideEffectFailure
	resp := p.ToResponse()
	if err := s.publish(ctx, Event{Kind: EventUpdated, PatientID: p.ID, Patient: &resp}); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("updated event publish failed")
		warnings = append(warnings, SideEffectFailure{Collaborator: CollaboratorEvents, Reason: err.Error()})
	}
	return &Result{Patient: resp, Warnings: warnings}, nil
}

// Delete removes a patient and announces the deletion. No compensating action
// is taken toward billing; account teardown is a separate external workflow.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) ([]SideEffectFailure, error) {
	if err := s.patients.DeleteByID(ctx, id); err != nil {
		return nil, err
	}

	var warnings []SideEffectFailure
	if err := s.publish(ctx, Event{Kind: EventDeleted, PatientID: id}); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", id.String()).Msg("deleted event publish failed")
		warnings = append(warnings, SideEffectFailure{Collaborator: CollaboratorEvents, Reason: err.Error()})
	}
	return warnings, nil
}

func (s *Service) publish(ctx context.Context, e Event) error {
	ectx, cancel := context.WithTimeout(ctx, s.eventTimeout)
	defer cancel()
	return s.events.PublishPatientEvent(ectx, e)
}
