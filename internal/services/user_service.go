package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/repositories"
)

const (
	minPasswordLength = 6
	maxPasswordLength = 72
)

type Directory interface {
	Register(ctx context.Context, username, password string) (models.User, error)
	Authenticate(ctx context.Context, username, password string) (models.User, error)
	Get(ctx context.Context, id string) (models.User, error)
	List(ctx context.Context) ([]models.User, error)
}

// UserService manages registration and the user directory. Every user it
// returns has lazy suspension expiry applied.
type UserService struct {
	users repositories.UserRepository
	bus   EventPublisher
	cfg   config.ChatConfig
	cost  int
	now   func() time.Time
}

func NewUserService(users repositories.UserRepository, bus EventPublisher, cfg config.ChatConfig) *UserService {
	return &UserService{
		users: users,
		bus:   bus,
		cfg:   cfg,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
}

func (s *UserService) Register(ctx context.Context, username, password string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "user.register", s.cfg.CommandTimeout)
	defer cmd.finish(&err)

	username = strings.TrimSpace(username)
	if err := models.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return models.User{}, fmt.Errorf("%w: password must be %d-%d bytes", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	u = models.User{
		ID:         uuid.NewString(),
		Username:   username,
		Credential: string(hash),
		LastSeen:   now,
		CreatedAt:  now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repositories.ErrUsernameTaken) {
			return models.User{}, fmt.Errorf("%w: username %q is taken", ErrConflict, username)
		}
		return models.User{}, err
	}

	ev, evErr := models.UserChanged(u)
	emit(ctx, s.bus, ev, evErr)
	return u, nil
}

// Authenticate checks a username and password pair.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "user.authenticate", s.cfg.CommandTimeout)
	defer cmd.finish(&err)

	u, err = s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.User{}, ErrUnauthorized
	}
	if err != nil {
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Credential), []byte(password)); err != nil {
		return models.User{}, ErrUnauthorized
	}
	return u.Normalize(s.now()), nil
}

func (s *UserService) Get(ctx context.Context, id string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "user.get", s.cfg.CommandTimeout)
	defer cmd.finish(&err)

	u, err = s.users.GetUser(ctx, id)
	if err != nil {
		return models.User{}, userLookupErr(err, "user")
	}
	return u.Normalize(s.now()), nil
}

func (s *UserService) List(ctx context.Context) (users []models.User, err error) {
	ctx, cmd := startCommand(ctx, "user.list", s.cfg.CommandTimeout)
	defer cmd.finish(&err)

	users, err = s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range users {
		users[i] = users[i].Normalize(now)
	}
	return users, nil
}
