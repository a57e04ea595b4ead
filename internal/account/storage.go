package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound     = errors.New("account: not found")
	ErrActiveExists = errors.New("account: user already has an active subscription")
)

const oneActiveIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active
	ON subscriptions (user_id) WHERE status = 'active'`

// Store persists users and subscriptions.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. "sqlite://path", "file:..." and "*.db" select
// SQLite; postgres URLs and key=value DSNs select PostgreSQL.
func Open(dsn string) (*Store, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("empty dsn")
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		return sqlite.Open(dsn), nil
	case strings.HasPrefix(dsn, "postgresql+asyncpg://"):
		return postgres.Open("postgresql://" + strings.TrimPrefix(dsn, "postgresql+asyncpg://")), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported dsn %q", dsn)
	}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return sqlDB.Close()
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&User{}, &Subscription{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.Exec(oneActiveIndex).Error; err != nil {
		return fmt.Errorf("migrate: one active subscription index: %w", err)
	}
	return nil
}

func (s *Store) FindUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", telegramID, err)
	}
	return &user, nil
}

// CreateUser registers telegramID with a generated panel username.
func (s *Store) CreateUser(ctx context.Context, telegramID int64, handle string) (*User, error) {
	user := &User{
		TelegramID:      telegramID,
		Username:        strings.TrimSpace(handle),
		MarzbanUsername: ExternalName(telegramID),
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user %d: %w", telegramID, err)
	}
	return user, nil
}

// EnsureUser returns the user for telegramID, creating it on first contact.
// The bool reports whether a new user was created.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, handle string) (*User, bool, error) {
	user, err := s.FindUserByTelegramID(ctx, telegramID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	user, err = s.CreateUser(ctx, telegramID, handle)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with a concurrent first contact.
		user, err = s.FindUserByTelegramID(ctx, telegramID)
		return user, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *Store) ActiveSubscription(ctx context.Context, userID uint) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Order("end_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active subscription for user %d: %w", userID, err)
	}
	return &sub, nil
}

// CreateSubscription stores sub as active. It fails with ErrActiveExists if
// the user already holds an active subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("create subscription: nil subscription")
	}
	sub.Status = StatusActive
	sub.StartAt = sub.StartAt.UTC()
	sub.EndAt = sub.EndAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Subscription{}).
			Where("user_id = ? AND status = ?", sub.UserID, StatusActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveExists
		}
		return tx.Omit("User").Create(sub).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveExists
	}
	if err != nil && !errors.Is(err, ErrActiveExists) {
		return fmt.Errorf("create subscription for user %d: %w", sub.UserID, err)
	}
	return err
}

// ListExpiredActive returns at most limit active subscriptions whose end time
// is before now, oldest first, with their users loaded.
func (s *Store) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]Subscription, error) {
	var subs []Subscription
	query := s.db.WithContext(ctx).
		Preload("User").
		Where("status = ? AND end_at < ?", StatusActive, now.UTC()).
		Order("end_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	return subs, nil
}

// ExpireSubscriptions marks ids expired in a single transaction. Rows that
// are no longer active or whose end time is not before now are left alone.
func (s *Store) ExpireSubscriptions(ctx context.Context, ids []uint, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Subscription{}).
			Where("id IN ? AND status = ? AND end_at < ?", ids, StatusActive, now.UTC()).
			Update("status", StatusExpired)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return affected, nil
}
