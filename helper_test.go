package keygate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/rediscache"
	"github.com/keygate-io/keygate/session"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Audit.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Mail.RatePerSecond = 0
	return cfg
}

type testEnv struct {
	stores   *fakeStores
	sessions *fakeSessionStore
	mail     *fakeMailer
	redis    *miniredis.Miniredis
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *testEnv) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		stores:   newFakeStores(),
		sessions: newFakeSessionStore(),
		mail:     &fakeMailer{},
		redis:    mr,
	}

	engine, err := New().
		WithConfig(cfg).
		WithCache(rediscache.New(rdb, "t:")).
		WithStores(env.stores, env.stores, env.stores).
		WithSessionStore(env.sessions).
		WithMailer(env.mail).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, env
}

func registerUser(t *testing.T, engine *Engine, email, plaintext string) *Identity {
	t.Helper()
	identity, err := engine.Register(context.Background(), RegisterInput{
		Email:    email,
		Password: plaintext,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return identity
}

// lastMailedToken extracts the action token from the most recent mail
// body, which ends with ": <token>".
func lastMailedToken(t *testing.T, mail *fakeMailer) string {
	t.Helper()
	body := mail.lastBody()
	if body == "" {
		t.Fatal("no mail was sent")
	}
	idx := strings.LastIndex(body, " ")
	if idx < 0 {
		t.Fatalf("unexpected mail body %q", body)
	}
	return body[idx+1:]
}

// fakeMailer records deliveries.
type fakeMailer struct {
	mu    sync.Mutex
	sends []sentMail
	fail  bool
}

type sentMail struct {
	to      string
	subject string
	body    string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	m.sends = append(m.sends, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

func (m *fakeMailer) lastBody() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return ""
	}
	return m.sends[len(m.sends)-1].body
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

// fakeStores is an in-memory implementation of the credential, role
// and two-factor store contracts.
type fakeStores struct {
	mu         sync.RWMutex
	byID       map[string]*Identity
	byEmail    map[string]string
	roles      map[string]map[string]struct{}
	grants     map[string]map[string]struct{}
	twoFactor  map[string]*TwoFactorSettings
	backupSets map[string]map[[32]byte]struct{}
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		byID:       make(map[string]*Identity),
		byEmail:    make(map[string]string),
		roles:      make(map[string]map[string]struct{}),
		grants:     make(map[string]map[string]struct{}),
		twoFactor:  make(map[string]*TwoFactorSettings),
		backupSets: make(map[string]map[[32]byte]struct{}),
	}
}

func (f *fakeStores) FindByEmail(_ context.Context, email string) (*Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return f.copyIdentity(id)
}

func (f *fakeStores) FindByID(_ context.Context, id string) (*Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.copyIdentity(id)
}

func (f *fakeStores) copyIdentity(id string) (*Identity, error) {
	identity, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	cp.Roles = nil
	for role := range f.roles[id] {
		cp.Roles = append(cp.Roles, role)
	}
	sort.Strings(cp.Roles)
	return &cp, nil
}

func (f *fakeStores) Create(_ context.Context, identity *Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[identity.Email]; ok {
		return ErrDuplicateIdentity
	}
	cp := *identity
	f.byID[cp.ID] = &cp
	f.byEmail[cp.Email] = cp.ID
	return nil
}

func (f *fakeStores) UpdatePasswordHash(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.PasswordHash = hash
	return nil
}

func (f *fakeStores) SetEmailVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.EmailVerified = true
	return nil
}

func (f *fakeStores) RecordLoginFailure(_ context.Context, id string, threshold int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	identity.FailedAttempts++
	identity.Locked = identity.FailedAttempts >= threshold
	return identity.FailedAttempts, nil
}

func (f *fakeStores) ResetLoginFailures(_ context.Context, id string, lastLogin time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.FailedAttempts = 0
	identity.Locked = false
	identity.LastLoginAt = &lastLogin
	return nil
}

func (f *fakeStores) Unlock(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.FailedAttempts = 0
	identity.Locked = false
	return nil
}

func (f *fakeStores) CountWithRole(_ context.Context, role string) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, set := range f.roles {
		if _, ok := set[role]; ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeStores) RoleNames(_ context.Context, identityID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []string{}
	for role := range f.roles[identityID] {
		out = append(out, role)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStores) DirectGrants(_ context.Context, identityID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []string{}
	for grant := range f.grants[identityID] {
		out = append(out, grant)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStores) AssignRole(_ context.Context, identityID, role, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[identityID] == nil {
		f.roles[identityID] = make(map[string]struct{})
	}
	f.roles[identityID][role] = struct{}{}
	return nil
}

func (f *fakeStores) addGrant(identityID, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[identityID] == nil {
		f.grants[identityID] = make(map[string]struct{})
	}
	f.grants[identityID][permission] = struct{}{}
}

func (f *fakeStores) failedAttempts(id string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if identity, ok := f.byID[id]; ok {
		return identity.FailedAttempts
	}
	return -1
}

func (f *fakeStores) passwordHash(id string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if identity, ok := f.byID[id]; ok {
		return identity.PasswordHash
	}
	return ""
}

func (f *fakeStores) setLocked(id string, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identity, ok := f.byID[id]; ok {
		identity.Locked = locked
	}
}

func (f *fakeStores) setActive(id string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identity, ok := f.byID[id]; ok {
		identity.Active = active
	}
}

func (f *fakeStores) Get(_ context.Context, identityID string) (*TwoFactorSettings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	settings, ok := f.twoFactor[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *settings
	return &cp, nil
}

func (f *fakeStores) Upsert(_ context.Context, settings *TwoFactorSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *settings
	f.twoFactor[cp.IdentityID] = &cp
	return nil
}

func (f *fakeStores) ClearEmailCode(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if settings, ok := f.twoFactor[identityID]; ok {
		settings.EmailCode = ""
	}
	return nil
}

func (f *fakeStores) ReplaceBackupCodes(_ context.Context, identityID string, hashes [][32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[[32]byte]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	f.backupSets[identityID] = set
	return nil
}

func (f *fakeStores) ConsumeBackupCode(_ context.Context, identityID string, hash [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.backupSets[identityID]
	if _, ok := set[hash]; !ok {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

// fakeSessionStore is an in-memory session.Store.
type fakeSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*session.Session)}
}

func (f *fakeSessionStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[cp.ID] = &cp
	return nil
}

func (f *fakeSessionStore) FindByID(_ context.Context, id string) (*session.Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) ListByIdentity(_ context.Context, identityID string) ([]*session.Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*session.Session
	for _, s := range f.sessions {
		if s.IdentityID == identityID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeSessionStore) DeleteByID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessionStore) DeleteAllByIdentity(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.IdentityID == identityID {
			delete(f.sessions, id)
		}
	}
	return nil
}

func (f *fakeSessionStore) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}
