package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

// RegisterProfile записывает профиль в справочник и оповещает администраторов
// о регистрации. Ошибка справочника возвращается, оповещение неблокирующее.
func (d *Dispatcher) RegisterProfile(ctx context.Context, runner effects.Runner, profile domain.Profile) (domain.Profile, error) {
	profile.ID = strings.TrimSpace(profile.ID)
	profile.FullName = strings.TrimSpace(profile.FullName)
	profile.Email = strings.TrimSpace(profile.Email)
	if profile.ID == "" {
		return domain.Profile{}, domain.Reject(domain.ReasonInvalidInput, "profile id is required")
	}
	if profile.Role == "" {
		profile.Role = domain.RoleCustomer
	}
	if !profile.Role.Valid() {
		return domain.Profile{}, domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("unknown role %q", profile.Role))
	}
	if d.directory == nil {
		return domain.Profile{}, fmt.Errorf("register profile %s: directory is not configured", profile.ID)
	}
	if err := d.directory.UpsertProfile(ctx, profile); err != nil {
		return domain.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}

	d.logger.WithField("profile_id", profile.ID).WithField("role", profile.Role).Info("profile registered")
	if runner == nil {
		runner = effects.Discard{}
	}
	d.Submit(ctx, runner, SignupAlert(profile))
	return profile, nil
}
