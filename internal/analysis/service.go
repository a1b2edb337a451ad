package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no generator is configured.
var ErrNotConfigured = errors.New("analysis is not configured")

const generateTimeout = 60 * time.Second

// Service runs analyses and records them in the consult history.
type Service struct {
	gen     Generator
	history History
	log     *zap.Logger
	now     func() time.Time
}

// NewService returns a Service. gen may be nil (every call fails with ErrNotConfigured);
// history nil means NoopHistory.
func NewService(gen Generator, history History, log *zap.Logger) *Service {
	if history == nil {
		history = NoopHistory{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{gen: gen, history: history, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Analyze generates the analysis for req on behalf of accountID in clinicID.
// A history write failure is logged and does not fail the call.
func (s *Service) Analyze(ctx context.Context, clinicID, accountID string, req Request) (string, error) {
	if s.gen == nil {
		return "", ErrNotConfigured
	}
	system, prompt := BuildPrompt(req)
	s.log.Info("analysis requested", zap.String("consult_id", req.ConsultID), zap.Bool("follow_up", req.FollowUpQuestion != ""))
	gctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	text, err := s.gen.Generate(gctx, system, prompt)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if text == "" {
		return "", ErrEmptyOutput
	}
	if req.ConsultID != "" {
		e := &Exchange{
			ConsultID: req.ConsultID,
			ClinicID:  clinicID,
			AccountID: accountID,
			Question:  req.FollowUpQuestion,
			Analysis:  text,
			CreatedAt: s.now(),
		}
		if err := s.history.Append(ctx, e); err != nil {
			s.log.Warn("append consult history", zap.String("consult_id", req.ConsultID), zap.Error(err))
		}
	}
	return text, nil
}

// History returns the stored exchanges of a consult.
func (s *Service) History(ctx context.Context, clinicID, consultID string) ([]*Exchange, error) {
	return s.history.List(ctx, clinicID, consultID, 200)
}
