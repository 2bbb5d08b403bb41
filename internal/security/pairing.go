package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

const (
	pairingCodeLength = 6
	pairingCodeTTL    = 10 * time.Minute
	pairingMaxMisses  = 5
	defaultPairingTTL = 30 // days
)

// PairingStore persists paired chat users. *memory.SQLiteStore implements it.
type PairingStore interface {
	IsPaired(ctx context.Context, channel, userID string, now time.Time) (bool, error)
	Pair(ctx context.Context, channel, userID string, expiresAt *time.Time) error
	Unpair(ctx context.Context, channel, userID string) error
}

type PairingConfig struct {
	Required bool
	TTLDays  int          // 0 means defaultPairingTTL
	Store    PairingStore // nil keeps pairings in process memory
	Logger   *slog.Logger
}

// PairingService gates chat channels. An unpaired user is issued a one-time
// code that only the operator sees; sending it back pairs them for TTLDays.
type PairingService struct {
	required bool
	ttl      int
	store    PairingStore
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*challenge // by pairingKey
}

type challenge struct {
	code    string
	expires time.Time
	misses  int
}

func NewPairingService(cfg PairingConfig) *PairingService {
	ps := &PairingService{
		required: cfg.Required,
		ttl:      cfg.TTLDays,
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      time.Now,
		pending:  make(map[string]*challenge),
	}
	if ps.ttl <= 0 {
		ps.ttl = defaultPairingTTL
	}
	if ps.store == nil {
		ps.store = &memoryPairings{expiry: make(map[string]*time.Time)}
	}
	if ps.logger == nil {
		ps.logger = slog.Default()
	}
	return ps
}

// IsRequired is false for a nil service.
func (ps *PairingService) IsRequired() bool {
	return ps != nil && ps.required
}

func pairingKey(channel, userID string) string {
	return channel + ":" + userID
}

// IsPaired reports whether userID may talk on channel.
func (ps *PairingService) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	if !ps.IsRequired() {
		return true, nil
	}
	ok, err := ps.store.IsPaired(ctx, channel, userID, ps.now())
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return ok, nil
}

// IssueCode returns the user's live code, or a new one with fresh set.
func (ps *PairingService) IssueCode(channel, userID string) (code string, fresh bool) {
	key := pairingKey(channel, userID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.now()
	ps.sweepLocked(now)
	if c, ok := ps.pending[key]; ok {
		return c.code, false
	}
	c := &challenge{code: generateSecureCode(pairingCodeLength), expires: now.Add(pairingCodeTTL)}
	ps.pending[key] = c
	ps.logger.Info("pairing code issued", "channel", channel, "user_id", userID)
	return c.code, true
}

// VerifyCode pairs the user when code matches their live code. Wrong guesses
// keep the code until pairingMaxMisses of them revoke it.
func (ps *PairingService) VerifyCode(ctx context.Context, channel, userID, code string) (bool, error) {
	key := pairingKey(channel, userID)
	ps.mu.Lock()
	c, ok := ps.pending[key]
	if ok && !ps.now().Before(c.expires) {
		delete(ps.pending, key)
		ok = false
	}
	if ok && subtle.ConstantTimeCompare([]byte(c.code), []byte(code)) != 1 {
		if c.misses++; c.misses >= pairingMaxMisses {
			delete(ps.pending, key)
			ps.logger.Warn("pairing code revoked after repeated misses", "channel", channel, "user_id", userID)
		}
		ok = false
	}
	if ok {
		delete(ps.pending, key)
	}
	ps.mu.Unlock()
	if !ok {
		return false, nil
	}

	expires := ps.now().AddDate(0, 0, ps.ttl)
	if err := ps.store.Pair(ctx, channel, userID, &expires); err != nil {
		return false, fmt.Errorf("pair user: %w", err)
	}
	ps.logger.Info("user paired", "channel", channel, "user_id", userID, "until", expires.Format(time.DateOnly))
	return true, nil
}

func (ps *PairingService) Unpair(ctx context.Context, channel, userID string) error {
	return ps.store.Unpair(ctx, channel, userID)
}

func (ps *PairingService) sweepLocked(now time.Time) {
	for key, c := range ps.pending {
		if !now.Before(c.expires) {
			delete(ps.pending, key)
		}
	}
}

// generateSecureCode returns length random decimal digits.
func generateSecureCode(length int) string {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		panic(fmt.Sprintf("pairing: read random: %v", err))
	}
	return fmt.Sprintf("%0*d", length, n.Int64())
}

// memoryPairings holds pairings for a service without a database.
type memoryPairings struct {
	mu     sync.Mutex
	expiry map[string]*time.Time // nil never expires
}

func (m *memoryPairings) IsPaired(_ context.Context, channel, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[pairingKey(channel, userID)]
	return ok && (exp == nil || exp.After(now)), nil
}

func (m *memoryPairings) Pair(_ context.Context, channel, userID string, expiresAt *time.Time) error {
	m.mu.Lock()
	m.expiry[pairingKey(channel, userID)] = expiresAt
	m.mu.Unlock()
	return nil
}

func (m *memoryPairings) Unpair(_ context.Context, channel, userID string) error {
	m.mu.Lock()
	delete(m.expiry, pairingKey(channel, userID))
	m.mu.Unlock()
	return nil
}
