package repository

import (
	"context"
	"errors"
	"strings"

	"mpesapay/internal/model"

	"gorm.io/gorm"
)

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) Get(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByPhoneSuffix first tries a LIKE lookup on the raw column, then falls
// back to scanning users in batches because stored numbers may carry spaces,
// dashes or a leading +.
func (r *userRepository) FindByPhoneSuffix(ctx context.Context, suffix string) (*model.User, error) {
	if suffix == "" {
		return nil, ErrUserNotFound
	}

	var user model.User
	err := r.db.WithContext(ctx).
		Where("phone_number LIKE ?", "%"+suffix).
		Order("id ASC").
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var found *model.User
	var batch []*model.User
	result := r.db.WithContext(ctx).
		Where("phone_number IS NOT NULL AND phone_number <> ''").
		FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
			for _, u := range batch {
				if strings.HasSuffix(DigitsOnly(u.PhoneNumber), suffix) {
					found = u
					return errStopBatches
				}
			}
			return nil
		})
	if result.Error != nil && !errors.Is(result.Error, errStopBatches) {
		return nil, result.Error
	}
	if found == nil {
		return nil, ErrUserNotFound
	}
	return found, nil
}

var errStopBatches = errors.New("stop batches")

// DigitsOnly strips every non-digit rune.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
