// Package gateway simulates an external card processor with intents and refunds.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrIntentNotFound  = errors.New("gateway: payment intent not found")
	ErrAlreadyRefunded = errors.New("gateway: payment intent already refunded")
)

type IntentStatus string

const (
	IntentProcessing IntentStatus = "processing"
	IntentSucceeded  IntentStatus = "succeeded"
	IntentFailed     IntentStatus = "failed"
)

type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

const declineMessage = "Mock payment failed"

type Intent struct {
	ID               string
	ClientSecret     string
	Status           IntentStatus
	Amount           int64 // minor units
	Currency         string
	Metadata         map[string]string
	LatestCharge     string // set once succeeded
	LastPaymentError string // set once failed
}

type Refund struct {
	ID       string
	IntentID string
	Status   RefundStatus
	Amount   int64
}

type Simulator struct {
	mu          sync.Mutex
	random      *rand.Rand
	successRate float64
	pendingRate float64
	intents     map[string]*Intent
	refunds     map[string]*Refund
	refundKeys  map[string]string // idempotency key -> refund id
	refunded    map[string]string // intent id -> refund id
}

type Option func(*Simulator)

// WithSuccessRate sets the share of resolved intents that succeed.
func WithSuccessRate(p float64) Option { return func(s *Simulator) { s.successRate = p } }

// WithPendingRate sets the chance that a poll leaves the intent processing.
func WithPendingRate(p float64) Option { return func(s *Simulator) { s.pendingRate = p } }

func WithRand(r *rand.Rand) Option { return func(s *Simulator) { s.random = r } }

func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: 0.9,
		intents:     make(map[string]*Intent),
		refunds:     make(map[string]*Refund),
		refundKeys:  make(map[string]string),
		refunded:    make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateIntent always succeeds and returns a processing intent.
func (s *Simulator) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	in := &Intent{
		ID:           "pi_mock_" + token(),
		ClientSecret: "secret_" + token(),
		Status:       IntentProcessing,
		Amount:       amount,
		Currency:     currency,
		Metadata:     md,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = in
	return in.clone(), nil
}

// RetrieveIntent resolves a processing intent on each poll. Once an intent has
// succeeded or failed that outcome is kept for every later poll.
func (s *Simulator) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if in.Status != IntentProcessing {
		return in.clone(), nil
	}
	if s.pendingRate > 0 && s.random.Float64() < s.pendingRate {
		return in.clone(), nil
	}
	if s.random.Float64() < s.successRate {
		in.Status = IntentSucceeded
		in.LatestCharge = "ch_mock_" + token()
	} else {
		in.Status = IntentFailed
		in.LastPaymentError = declineMessage
	}
	return in.clone(), nil
}

// CreateRefund refunds the full intent amount. A repeated idempotency key returns the
// refund created under it; an intent is refunded at most once.
func (s *Simulator) CreateRefund(ctx context.Context, intentID, idempotencyKey string) (*Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.refundKeys[idempotencyKey]; ok && idempotencyKey != "" {
		out := *s.refunds[id]
		return &out, nil
	}
	in, ok := s.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if _, done := s.refunded[in.ID]; done {
		return nil, ErrAlreadyRefunded
	}
	rf := &Refund{
		ID:       "re_mock_" + token(),
		IntentID: in.ID,
		Status:   RefundSucceeded,
		Amount:   in.Amount,
	}
	s.refunds[rf.ID] = rf
	s.refunded[in.ID] = rf.ID
	if idempotencyKey != "" {
		s.refundKeys[idempotencyKey] = rf.ID
	}
	out := *rf
	return &out, nil
}

func (in *Intent) clone() *Intent {
	out := *in
	out.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
