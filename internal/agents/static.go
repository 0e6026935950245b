package agents

import (
	"context"
	"time"

	"sentinentx/internal/models"
)

// StaticProvider returns a fixed vote or error. Paper runs and tests use it.
type StaticProvider struct {
	BaseProvider
	vote  models.ProviderVote
	err   error
	delay time.Duration
	// stage2 replaces the vote when stage-1 votes are attached.
	stage2 *models.ProviderVote
}

// NewStaticProvider creates a provider that always answers with vote.
func NewStaticProvider(name string, vote models.ProviderVote) *StaticProvider {
	return &StaticProvider{BaseProvider: NewBaseProvider(name, true), vote: vote}
}

// NewFailingProvider creates a provider that always fails with err.
func NewFailingProvider(name string, err error) *StaticProvider {
	return &StaticProvider{BaseProvider: NewBaseProvider(name, true), err: err}
}

// WithDelay makes Decide wait d (or until ctx is done) before answering.
func (p *StaticProvider) WithDelay(d time.Duration) *StaticProvider {
	p.delay = d
	return p
}

// WithStage2 sets a different answer for the second round.
func (p *StaticProvider) WithStage2(vote models.ProviderVote) *StaticProvider {
	p.stage2 = &vote
	return p
}

// Disabled marks the provider as disabled.
func (p *StaticProvider) Disabled() *StaticProvider {
	p.enabled = false
	return p
}

// Decide returns the configured vote.
func (p *StaticProvider) Decide(ctx context.Context, snap models.Snapshot) (*models.ProviderVote, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if p.err != nil {
		return nil, p.err
	}

	v := p.vote
	if len(snap.Stage1) > 0 && p.stage2 != nil {
		v = *p.stage2
	}
	base := p.NewVote(snap, v.Action, v.Confidence, v.Reason)
	v.ProviderID = base.ProviderID
	v.Stage = base.Stage
	v.Timestamp = base.Timestamp
	return &v, nil
}
