package library

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// DueDateField is the loan attribute holding the expected return date.
const DueDateField = "DataDevolucaoPrevista"

// Credentials identify the library account. They are never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// Empty reports whether either half of the credentials is missing.
func (c Credentials) Empty() bool {
	return c.Identifier == "" || c.Secret == ""
}

// Session is an authenticated connection to the library backend. It owns its
// cookie jar and lives for a single run.
type Session struct {
	client    *http.Client
	jar       http.CookieJar
	createdAt time.Time
}

// CreatedAt returns when the session was authenticated.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Cookies returns the cookies the session would send to u.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	if s == nil || s.jar == nil {
		return nil
	}
	return s.jar.Cookies(u)
}

// LoanRecord is a single open loan. Only the due date is interpreted; Raw
// holds the record exactly as the backend sent it.
type LoanRecord struct {
	Index      int
	DueDate    string
	HasDueDate bool
	Raw        json.RawMessage
}

// LoanBatch is the open-loan listing. Result holds the bytes of the
// response's Result object and is what gets forwarded on renewal.
type LoanBatch struct {
	Result  json.RawMessage
	Records []LoanRecord
	Total   int
}

// Empty reports whether the batch has no loans.
func (b *LoanBatch) Empty() bool {
	return b == nil || len(b.Records) == 0
}

// RenewalOutcome is the backend's answer to a renewal request.
type RenewalOutcome struct {
	StatusCode int
	Text       string
}

type loginRequest struct {
	Identificacao string `json:"identificacao"`
	Senha         string `json:"senha"`
}
