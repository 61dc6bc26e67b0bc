package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/go-playground/validator/v10"
)

// CategoryGlobal addresses the master channel toggles.
const CategoryGlobal = "global"

type PreferenceUpdate struct {
	Category string         `json:"category" validate:"required"`
	Channel  domain.Channel `json:"channel,omitempty"`
	Enabled  bool           `json:"enabled"`
}

type PreferenceService struct {
	repo     repository.PreferenceRepository
	catalog  *Catalog
	validate *validator.Validate
	clock    func() time.Time
}

func NewPreferenceService(repo repository.PreferenceRepository, catalog *Catalog, validate *validator.Validate) *PreferenceService {
	return &PreferenceService{repo: repo, catalog: catalog, validate: validate, clock: time.Now}
}

func (s *PreferenceService) now() time.Time { return s.clock().UTC() }

// Get returns stored preferences, creating the defaults on first access.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*domain.NotificationPreferences, error) {
	p, err := s.repo.GetPreferences(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	p = domain.DefaultPreferences(userID, s.now())
	if err := s.repo.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PreferenceService) Update(ctx context.Context, userID string, u PreferenceUpdate) (*domain.NotificationPreferences, error) {
	if err := s.validate.Struct(u); err != nil {
		return nil, err
	}
	if u.Channel != "" && !u.Channel.Valid() {
		return nil, apperr.Validation("unknown channel %q", u.Channel)
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(u.Category, CategoryGlobal) {
		if u.Channel == "" {
			return nil, apperr.Validation("channel is required for global preferences")
		}
		p.Channels.Set(u.Channel, u.Enabled)
	} else {
		t := domain.NotificationType(strings.ToUpper(u.Category))
		entry, ok := s.catalog.Lookup(t)
		if !ok {
			return nil, apperr.Validation("unknown category %q", u.Category)
		}
		tp, ok := p.Types[t]
		if !ok {
			tp = domain.TypePreference{Enabled: true}
		}
		if u.Channel == "" {
			tp.Enabled = u.Enabled
		} else {
			if tp.Channels == nil {
				tp.Channels = append([]domain.Channel(nil), entry.Channels...)
			}
			tp.Channels = toggleChannel(tp.Channels, u.Channel, u.Enabled)
		}
		p.Types[t] = tp
	}
	p.UpdatedAt = s.now()
	if err := s.repo.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func toggleChannel(list []domain.Channel, c domain.Channel, on bool) []domain.Channel {
	out := make([]domain.Channel, 0, len(list)+1)
	found := false
	for _, x := range list {
		if x == c {
			found = true
			if !on {
				continue
			}
		}
		out = append(out, x)
	}
	if on && !found {
		out = append(out, c)
	}
	return out
}

func (s *PreferenceService) UpdateQuietHours(ctx context.Context, userID string, q domain.QuietHours) (*domain.NotificationPreferences, error) {
	if err := s.validate.Struct(q); err != nil {
		return nil, err
	}
	if q.Enabled && (q.Start == "" || q.End == "") {
		return nil, apperr.Validation("start and end are required when quiet hours are enabled")
	}
	if q.Timezone == "" {
		q.Timezone = "UTC"
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if q.Start == "" {
		q.Start = p.QuietHours.Start
	}
	if q.End == "" {
		q.End = p.QuietHours.End
	}
	p.QuietHours = q
	p.UpdatedAt = s.now()
	if err := s.repo.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PreferenceService) UpdateDigest(ctx context.Context, userID string, d domain.DigestSettings) (*domain.NotificationPreferences, error) {
	if err := s.validate.Struct(d); err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d.Frequency == "" {
		d.Frequency = p.Digest.Frequency
	}
	if d.Time == "" {
		d.Time = p.Digest.Time
	}
	p.Digest = d
	p.UpdatedAt = s.now()
	if err := s.repo.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PreferenceService) Reset(ctx context.Context, userID string) (*domain.NotificationPreferences, error) {
	p := domain.DefaultPreferences(userID, s.now())
	if err := s.repo.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
