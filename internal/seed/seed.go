// Package seed populates the database with demo data for development and
// testing.
package seed

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"streamgate/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is assigned to every seeded user.
const DefaultPassword = "password123"

// Options controls how much data the seeder creates.
type Options struct {
	NumUsers          int
	NumStreams        int
	MessagesPerStream int
	ShouldClean       bool
}

// Seeder creates demo users, streams, chat history, and moderator grants.
type Seeder struct {
	db   *gorm.DB
	rand *rand.Rand
}

// NewSeeder creates a Seeder bound to the provided Gorm DB.
func NewSeeder(db *gorm.DB) *Seeder {
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		db:   db,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ClearAll wipes every seeded table, children first.
func (s *Seeder) ClearAll() error {
	tables := []any{
		&models.ModerationRecord{},
		&models.StreamModerator{},
		&models.StreamViewer{},
		&models.StreamMessage{},
		&models.Stream{},
		&models.User{},
	}
	for _, table := range tables {
		if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
			return fmt.Errorf("clearing %T: %w", table, err)
		}
	}
	return nil
}

// Seed runs the full pipeline: users, streams, chat history, and grants.
func (s *Seeder) Seed(opts Options) error {
	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return err
		}
	}

	users, err := s.SeedUsers(opts.NumUsers)
	if err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}
	log.Printf("✓ %d users created", len(users))

	streams, err := s.SeedStreams(users, opts.NumStreams)
	if err != nil {
		return fmt.Errorf("seeding streams: %w", err)
	}
	log.Printf("✓ %d streams created", len(streams))

	if err := s.SeedModerators(streams, users); err != nil {
		return fmt.Errorf("seeding moderators: %w", err)
	}

	total, err := s.SeedChatHistory(streams, users, opts.MessagesPerStream)
	if err != nil {
		return fmt.Errorf("seeding chat history: %w", err)
	}
	log.Printf("✓ %d chat messages created", total)

	return nil
}

// SeedUsers creates n users with the shared demo password. The first user is
// always a platform admin.
func (s *Seeder) SeedUsers(n int) ([]*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		switch {
		case i == 0:
			role = "admin"
		case s.rand.Intn(5) == 0:
			role = "subscriber"
		}
		users = append(users, &models.User{
			Username:     fmt.Sprintf("%s%d", gofakeit.Username(), gofakeit.Number(100, 999)),
			Email:        gofakeit.Email(),
			PasswordHash: string(hash),
			Role:         role,
		})
	}
	if len(users) == 0 {
		return users, nil
	}
	if err := s.db.Create(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SeedStreams creates n streams owned by random users. Roughly half go live
// with a started-at timestamp in the recent past.
func (s *Seeder) SeedStreams(users []*models.User, n int) ([]*models.Stream, error) {
	if len(users) == 0 {
		return nil, fmt.Errorf("no users to own streams")
	}

	streams := make([]*models.Stream, 0, n)
	for i := 0; i < n; i++ {
		owner := users[s.rand.Intn(len(users))]
		stream := &models.Stream{
			ID:          uuid.NewString(),
			UserID:      owner.ID,
			Title:       gofakeit.Sentence(4),
			Description: gofakeit.Paragraph(1, 2, 8, " "),
			Category:    models.StreamCategories[s.rand.Intn(len(models.StreamCategories))],
		}
		if s.rand.Intn(2) == 0 {
			started := time.Now().Add(-time.Duration(s.rand.Intn(180)) * time.Minute)
			stream.IsLive = true
			stream.StartedAt = &started
			if s.rand.Intn(4) == 0 {
				stream.SlowModeDelay = []int{5, 10, 30, 60}[s.rand.Intn(4)]
			}
		}
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		return streams, nil
	}
	if err := s.db.Create(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}

// SeedModerators grants one or two moderators per stream, never the owner.
func (s *Seeder) SeedModerators(streams []*models.Stream, users []*models.User) error {
	for _, stream := range streams {
		count := 1 + s.rand.Intn(2)
		granted := make(map[uint]bool)
		for i := 0; i < count; i++ {
			mod := users[s.rand.Intn(len(users))]
			if mod.ID == stream.UserID || granted[mod.ID] {
				continue
			}
			grant := &models.StreamModerator{
				StreamID:    stream.ID,
				UserID:      mod.ID,
				GrantedByID: stream.UserID,
			}
			if err := s.db.Create(grant).Error; err != nil {
				return err
			}
			granted[mod.ID] = true
		}
	}
	return nil
}

// SeedChatHistory backfills messages for live streams, spread over the time
// since each stream started. Returns the number of messages created.
func (s *Seeder) SeedChatHistory(streams []*models.Stream, users []*models.User, perStream int) (int, error) {
	if len(users) == 0 || perStream <= 0 {
		return 0, nil
	}

	total := 0
	for _, stream := range streams {
		if !stream.IsLive || stream.StartedAt == nil {
			continue
		}
		window := time.Since(*stream.StartedAt)
		messages := make([]*models.StreamMessage, 0, perStream)
		for i := 0; i < perStream; i++ {
			author := users[s.rand.Intn(len(users))]
			messages = append(messages, &models.StreamMessage{
				StreamID:  stream.ID,
				UserID:    author.ID,
				Content:   gofakeit.HipsterSentence(3 + s.rand.Intn(8)),
				CreatedAt: stream.StartedAt.Add(time.Duration(s.rand.Int63n(int64(window) + 1))),
			})
		}
		if err := s.db.Create(&messages).Error; err != nil {
			return total, err
		}
		total += len(messages)
	}
	return total, nil
}
