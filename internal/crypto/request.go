package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// messagePrefix namespaces every signed request so a signature cannot be
// replayed against another application.
const messagePrefix = "forecastpool"

// Field is one key/value line of a signed request.
type Field struct {
	Key   string
	Value string
}

// Request is an action a participant or forecaster authorizes by signing
// its canonical text.
type Request struct {
	Action   string
	Fields   []Field
	IssuedAt time.Time
}

// Message renders the canonical text that is signed:
//
//	forecastpool:<action>
//	<key>=<value>
//	issued_at=<unix seconds>
func (r Request) Message() []byte {
	var b strings.Builder
	b.WriteString(messagePrefix)
	b.WriteByte(':')
	b.WriteString(r.Action)
	for _, f := range r.Fields {
		b.WriteByte('\n')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	b.WriteString("\nissued_at=")
	b.WriteString(strconv.FormatInt(r.IssuedAt.Unix(), 10))
	return []byte(b.String())
}

// Sign signs the request's canonical text.
func (s *Signer) Sign(r Request) (string, error) {
	return s.SignMessage(r.Message())
}

// Verifier recovers the signer of a Request and rejects requests issued
// outside the allowed clock skew.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier returns a Verifier that accepts requests issued within
// maxSkew of now.
func NewVerifier(maxSkew time.Duration, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{maxSkew: maxSkew, now: now}
}

// Verify returns the address that signed r.
func (v *Verifier) Verify(r Request, sigHex string) (common.Address, error) {
	if d := v.now().Sub(r.IssuedAt); d > v.maxSkew || d < -v.maxSkew {
		return common.Address{}, fmt.Errorf("crypto: request issued %s from now: %w", d.Round(time.Second), domain.ErrBadSignature)
	}
	return RecoverAddress(r.Message(), sigHex)
}
