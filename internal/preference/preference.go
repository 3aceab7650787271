// Package preference resolves the effective claim preferences of an agent.
package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/validation"
)

// Source says which record an effective preference came from.
const (
	SourceAgent   = "agent"
	SourceRole    = "role"
	SourceDefault = "default"
)

// Effective is the preference a claim runs with.
type Effective struct {
	persistence.AgentPreference
	Source string `json:"source"`
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	PrimarySegments      *[]string `json:"primary_segments,omitempty"`
	FallbackSegments     *[]string `json:"fallback_segments,omitempty"`
	PickupStatuses       *[]string `json:"pickup_statuses,omitempty"`
	ActiveStatuses       *[]string `json:"active_statuses,omitempty"`
	AcceptStatus         *string   `json:"accept_status,omitempty"`
	ReturnStatus         *string   `json:"return_status,omitempty"`
	MaxInProgressMinutes *int      `json:"max_in_progress_minutes,omitempty"`
	MaxActiveTasks       *int      `json:"max_active_tasks,omitempty"`
}

type Service struct {
	store    *persistence.Store
	enums    *refdata.Resolver
	defaults persistence.AgentPreference
	segments config.SegmentsConfig
	logger   *slog.Logger
}

func NewService(store *persistence.Store, enums *refdata.Resolver, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		enums:    enums,
		defaults: FromConfig(cfg.Defaults.Preference),
		segments: cfg.Segments,
		logger:   logger,
	}
}

// FromConfig converts a YAML preference into the stored form.
func FromConfig(p config.PreferenceConfig) persistence.AgentPreference {
	return persistence.AgentPreference{
		PrimarySegments:      append([]string(nil), p.PrimarySegments...),
		FallbackSegments:     append([]string(nil), p.FallbackSegments...),
		PickupStatuses:       append([]string(nil), p.PickupStatuses...),
		ActiveStatuses:       append([]string(nil), p.ActiveStatuses...),
		AcceptStatus:         p.AcceptStatus,
		ReturnStatus:         p.ReturnStatus,
		MaxInProgressMinutes: p.MaxInProgressMinutes,
		MaxActiveTasks:       p.MaxActiveTasks,
	}
}

// Get resolves the agent's own record, then its role's, then the default.
func (s *Service) Get(ctx context.Context, agentID string) (*Effective, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.PreferenceForAgent(ctx, agentID)
	if err == nil {
		return &Effective{AgentPreference: s.fill(*p), Source: SourceAgent}, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	p, err = s.store.PreferenceForRole(ctx, a.RoleKey)
	if err == nil {
		eff := s.fill(*p)
		eff.AgentID = agentID
		return &Effective{AgentPreference: eff, Source: SourceRole}, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	eff := s.fill(s.defaults)
	eff.AgentID = agentID
	return &Effective{AgentPreference: eff, Source: SourceDefault}, nil
}

// fill completes blank fields of a stored record from the configured default.
func (s *Service) fill(p persistence.AgentPreference) persistence.AgentPreference {
	d := s.defaults
	if len(p.PickupStatuses) == 0 {
		p.PickupStatuses = d.PickupStatuses
	}
	if len(p.ActiveStatuses) == 0 {
		p.ActiveStatuses = d.ActiveStatuses
	}
	if p.AcceptStatus == "" {
		p.AcceptStatus = d.AcceptStatus
	}
	if p.ReturnStatus == "" {
		p.ReturnStatus = d.ReturnStatus
	}
	if p.MaxInProgressMinutes == 0 {
		p.MaxInProgressMinutes = d.MaxInProgressMinutes
	}
	return p
}

func (s *Service) List(ctx context.Context) ([]persistence.AgentPreference, error) {
	return s.store.ListPreferences(ctx)
}

// Update applies patch over the agent's effective preference and stores it
// as the agent's own record.
func (s *Service) Update(ctx context.Context, agentID string, patch Patch) (*Effective, error) {
	cur, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	next := cur.AgentPreference
	next.AgentID = agentID
	next.RoleKey = ""
	apply(&next, patch)
	if err := s.Validate(ctx, next); err != nil {
		return nil, err
	}
	stored, err := s.store.UpsertPreference(ctx, next)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "preference: updated", "agent_id", agentID)
	return &Effective{AgentPreference: *stored, Source: SourceAgent}, nil
}

// SetRole stores a role-level record, used when seeding from config.
func (s *Service) SetRole(ctx context.Context, role string, p persistence.AgentPreference) error {
	p.AgentID = ""
	p.RoleKey = role
	p = s.fill(p)
	if err := s.Validate(ctx, p); err != nil {
		return err
	}
	_, err := s.store.UpsertPreference(ctx, p)
	return err
}

// SeedAgent stores an agent-level record unless the agent already has one,
// so runtime updates survive restarts.
func (s *Service) SeedAgent(ctx context.Context, agentID string, p persistence.AgentPreference) error {
	if _, err := s.store.PreferenceForAgent(ctx, agentID); err == nil {
		return nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	p.AgentID = agentID
	p.RoleKey = ""
	p = s.fill(p)
	if err := s.Validate(ctx, p); err != nil {
		return err
	}
	_, err := s.store.UpsertPreference(ctx, p)
	return err
}

func apply(p *persistence.AgentPreference, patch Patch) {
	if patch.PrimarySegments != nil {
		p.PrimarySegments = *patch.PrimarySegments
	}
	if patch.FallbackSegments != nil {
		p.FallbackSegments = *patch.FallbackSegments
	}
	if patch.PickupStatuses != nil {
		p.PickupStatuses = *patch.PickupStatuses
	}
	if patch.ActiveStatuses != nil {
		p.ActiveStatuses = *patch.ActiveStatuses
	}
	if patch.AcceptStatus != nil {
		p.AcceptStatus = *patch.AcceptStatus
	}
	if patch.ReturnStatus != nil {
		p.ReturnStatus = *patch.ReturnStatus
	}
	if patch.MaxInProgressMinutes != nil {
		p.MaxInProgressMinutes = *patch.MaxInProgressMinutes
	}
	if patch.MaxActiveTasks != nil {
		p.MaxActiveTasks = *patch.MaxActiveTasks
	}
}

// Validate checks segments against the allow list, statuses against the
// task_status enum and the numeric bounds.
func (s *Service) Validate(ctx context.Context, p persistence.AgentPreference) error {
	ve := validation.New(http.StatusBadRequest, "preference.invalid", "preference rejected")
	check := func(field string, segs []string) {
		for i, seg := range segs {
			if !s.segmentAllowed(seg) {
				ve.WithDetail(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("segment %q is not allowed", seg))
			}
		}
	}
	check("primary_segments", p.PrimarySegments)
	check("fallback_segments", p.FallbackSegments)

	statusLists := []struct {
		field string
		codes []string
	}{
		{"pickup_statuses", p.PickupStatuses},
		{"active_statuses", p.ActiveStatuses},
		{"accept_status", []string{p.AcceptStatus}},
		{"return_status", []string{p.ReturnStatus}},
	}
	for _, sl := range statusLists {
		for _, code := range sl.codes {
			if !s.enums.KnownStatus(ctx, code) {
				ve.WithDetail(sl.field, fmt.Sprintf("unknown status %q", code))
			}
		}
	}
	if p.MaxInProgressMinutes < 1 || p.MaxInProgressMinutes > 1440 {
		ve.WithDetail("max_in_progress_minutes", "must be within 1..1440")
	}
	if p.MaxActiveTasks < 0 {
		ve.WithDetail("max_active_tasks", "must be >= 0")
	}
	if len(ve.Details) > 0 {
		return ve
	}
	return nil
}

func (s *Service) segmentAllowed(seg string) bool {
	return config.Config{Segments: s.segments}.SegmentAllowed(seg)
}
