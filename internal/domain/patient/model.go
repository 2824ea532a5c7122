package patient

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dateLayout is the calendar-date wire format for dateOfBirth.
const dateLayout = "2006-01-02"

// Patient maps to the patient table.
type Patient struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Address     string    `db:"address" json:"address"`
	Email       string    `db:"email" json:"email"`
	DateOfBirth time.Time `db:"date_of_birth" json:"date_of_birth"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Request is the inbound representation for create and update. All fields are
// required; DateOfBirth is an ISO-8601 calendar date.
type Request struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Email       string `json:"email"`
	DateOfBirth string `json:"dateOfBirth"`
}

// Response is the outbound representation of a committed patient.
type Response struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Email       string `json:"email"`
	DateOfBirth string `json:"dateOfBirth"`
}

// Validate runs the ordered field checks and reports every offending field.
// It returns a *ValidationError or nil; no store access happens here.
func (r Request) Validate() error {
	var verr ValidationError

	if strings.TrimSpace(r.Name) == "" {
		verr.add("name", "name is required")
	}
	if strings.TrimSpace(r.Address) == "" {
		verr.add("address", "address is required")
	}
	if strings.TrimSpace(r.Email) == "" {
		verr.add("email", "email is required")
	} else if _, err := mail.ParseAddress(r.Email); err != nil {
		verr.add("email", "email is not a valid address")
	}
	if strings.TrimSpace(r.DateOfBirth) == "" {
		verr.add("dateOfBirth", "dateOfBirth is required")
	} else if _, err := time.Parse(dateLayout, r.DateOfBirth); err != nil {
		verr.add("dateOfBirth", "dateOfBirth must be an ISO-8601 date (YYYY-MM-DD)")
	}

	if len(verr.Fields) > 0 {
		return &verr
	}
	return nil
}

// BirthDate parses the request date of birth. Validate must have passed.
func (r Request) BirthDate() time.Time {
	t, _ := time.Parse(dateLayout, r.DateOfBirth)
	return t
}

// ToResponse maps a committed patient to its response representation.
func (p *Patient) ToResponse() Response {
	return Response{
		ID:          p.ID.String(),
		Name:        p.Name,
		Address:     p.Address,
		Email:       p.Email,
		DateOfBirth: p.DateOfBirth.Format(dateLayout),
	}
}

// Apply replaces every mutable field from the request. Full-replace
// semantics: nothing from the prior version survives except the identifier
// and creation timestamp.
func (p *Patient) Apply(r Request) {
	p.Name = r.Name
	p.Address = r.Address
	p.Email = r.Email
	p.DateOfBirth = r.BirthDate()
}
