package service

import "golang.org/x/crypto/bcrypt"

// PasswordVerifier hashes and checks passwords with bcrypt.
type PasswordVerifier struct {
	cost int
}

// NewPasswordVerifier constructs a verifier. A cost outside bcrypt's range uses the default.
func NewPasswordVerifier(cost int) *PasswordVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordVerifier{cost: cost}
}

// Hash returns the bcrypt digest of plain.
func (p *PasswordVerifier) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), p.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether plain matches hash.
func (p *PasswordVerifier) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
