package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"homeservice/internal/models"

	"github.com/sirupsen/logrus"
)

// Technician selection strategies.
const (
	StrategyRandom       = "random"
	StrategyLeastBusy    = "least_busy"
	StrategyHighestRated = "highest_rated"
)

// TechnicianAssigner picks an approved technician in the booking's city.
type TechnicianAssigner struct {
	users    UserDirectory
	entities EntityStore
	logger   *logrus.Logger
	pick     func(n int) int
	now      func() time.Time
}

func NewTechnicianAssigner(users UserDirectory, entities EntityStore, logger *logrus.Logger) *TechnicianAssigner {
	if logger == nil {
		logger = logrus.New()
	}
	return &TechnicianAssigner{
		users:    users,
		entities: entities,
		logger:   logger,
		pick:     rand.IntN,
		now:      time.Now,
	}
}

// Assign sets the booking's technician and persists it. An empty candidate
// pool is not an error: the booking stays unassigned and assigned is false.
func (a *TechnicianAssigner) Assign(ctx context.Context, hookName string, booking *models.Booking, strategy string, criteria map[string]any) (bool, error) {
	if booking.Address == nil && booking.AddressID != 0 {
		if err := a.entities.Populate(ctx, booking); err != nil {
			return false, fmt.Errorf("populate booking %d: %w", booking.ID, err)
		}
	}
	if booking.Address == nil || booking.Address.City == "" {
		a.logger.Warnf("automation: hook %s: booking %d has no address city, technician not assigned", hookName, booking.ID)
		return false, nil
	}
	city := booking.Address.City

	candidates, err := a.users.FindTechnicians(ctx, TechnicianFilter{City: city, Criteria: criteria})
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		a.logger.Warnf("automation: hook %s: no available technicians in %s for booking %d", hookName, city, booking.ID)
		return false, nil
	}

	tech, err := a.choose(ctx, hookName, strategy, candidates)
	if err != nil {
		return false, err
	}

	now := a.now()
	techID := tech.ID
	booking.TechnicianID = &techID
	booking.Technician = &tech
	booking.AssignedAt = &now
	booking.SetStatus(models.BookingAssigned, fmt.Sprintf("auto-assigned to %s (%s)", tech.Name, strategyName(strategy)), now)
	if err := a.entities.Save(ctx, booking); err != nil {
		return false, err
	}
	a.logger.Infof("automation: hook %s: booking %d assigned to technician %d", hookName, booking.ID, tech.ID)
	return true, nil
}

func strategyName(s string) string {
	if s == "" {
		return StrategyRandom
	}
	return s
}

func (a *TechnicianAssigner) choose(ctx context.Context, hookName, strategy string, candidates []models.User) (models.User, error) {
	switch strategy {
	case "", StrategyRandom:
		return candidates[a.pick(len(candidates))], nil
	case StrategyLeastBusy:
		ids := make([]uint, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		counts, err := a.users.ActiveBookingCounts(ctx, ids)
		if err != nil {
			return models.User{}, err
		}
		best := 0
		for i := 1; i < len(candidates); i++ {
			if counts[candidates[i].ID] < counts[candidates[best].ID] {
				best = i
			}
		}
		return candidates[best], nil
	case StrategyHighestRated:
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].Rating > candidates[best].Rating {
				best = i
			}
		}
		return candidates[best], nil
	default:
		a.logger.Warnf("automation: hook %s: unknown assignment strategy %q, using first candidate", hookName, strategy)
		return candidates[0], nil
	}
}
