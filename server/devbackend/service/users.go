package service

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"fieldsync/server/devbackend/domain"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type UserDirectory struct {
	mu      sync.RWMutex
	byEmail map[string]domain.User
}

func NewUserDirectory() *UserDirectory {
	return &UserDirectory{byEmail: map[string]domain.User{}}
}

// Add stores user with password hashed. An existing user with the same email is replaced.
func (d *UserDirectory) Add(user domain.User, password string) error {
	email := normalizeEmail(user.Email)
	if email == "" || user.ID == "" {
		return errors.New("user id and email are required")
	}
	if password == "" {
		return errors.New("password is required")
	}
	if user.Role == "" {
		user.Role = domain.RoleField
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Email = email
	user.PasswordHash = string(hashed)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byEmail[email] = user
	return nil
}

func (d *UserDirectory) Authenticate(email, password string) (domain.User, error) {
	d.mu.RLock()
	user, ok := d.byEmail[normalizeEmail(email)]
	d.mu.RUnlock()
	if !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	user.PasswordHash = ""
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SeedUsers registers the development accounts.
func SeedUsers(d *UserDirectory, password string) error {
	seed := []domain.User{
		{ID: "u-field-1", Email: "field@fieldsync.dev", Name: "Field Engineer", Role: domain.RoleField},
		{ID: "u-dispatch-1", Email: "dispatch@fieldsync.dev", Name: "Dispatcher", Role: domain.RoleDispatcher},
	}
	for _, user := range seed {
		if err := d.Add(user, password); err != nil {
			return err
		}
	}
	return nil
}
