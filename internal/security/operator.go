package security

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

const (
	OperatorUserEnv     = "OPERATOR_USERNAME"
	OperatorPasswordEnv = "OPERATOR_PASSWORD"
	defaultOperatorUser = "operator"
	bcryptCost          = 12
)

// OperatorCredential guards the control-plane approve/deny surface. The
// password is hashed at startup and only the hash is held in memory.
type OperatorCredential struct {
	Username     string
	passwordHash []byte
}

// LoadOperatorFromEnv builds the operator credential from environment
// variables. A missing password disables the guarded endpoints rather than
// leaving them open.
func LoadOperatorFromEnv() (*OperatorCredential, error) {
	username := os.Getenv(OperatorUserEnv)
	if username == "" {
		username = defaultOperatorUser
	}
	password := os.Getenv(OperatorPasswordEnv)
	if password == "" {
		return nil, fmt.Errorf("%s is required", OperatorPasswordEnv)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash operator password: %w", err)
	}
	return &OperatorCredential{Username: username, passwordHash: hash}, nil
}

// Check verifies a username/password pair.
func (c *OperatorCredential) Check(username, password string) bool {
	if c == nil || username != c.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) == nil
}
