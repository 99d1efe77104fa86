package keygate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/mailer"
	"github.com/keygate-io/keygate/password"
	"github.com/keygate-io/keygate/permission"
	"github.com/keygate-io/keygate/rediscache"
	"github.com/keygate-io/keygate/session"
	"github.com/keygate-io/keygate/token"
)

// Builder assembles an Engine. Collaborators are injected with With*
// calls; Build validates the combination and wires everything once.
type Builder struct {
	config Config

	redis *redis.Client
	cache Cache

	credentials CredentialStore
	roles       RoleStore
	twoFactor   TwoFactorStore
	sessions    session.Store

	mail       Mailer
	auditSink  AuditSink
	registerer prometheus.Registerer
	catalog    *permission.Catalog

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the redis client backing the cache. The cache serves
// the token blacklist, the email OTP store and the session mirror.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithCache sets an explicit cache implementation, overriding
// WithRedis. Intended for tests.
func (b *Builder) WithCache(cache Cache) *Builder {
	b.cache = cache
	return b
}

// WithStores sets the durable credential, role and two-factor stores.
func (b *Builder) WithStores(credentials CredentialStore, roles RoleStore, twoFactor TwoFactorStore) *Builder {
	b.credentials = credentials
	b.roles = roles
	b.twoFactor = twoFactor
	return b
}

// WithSessionStore sets the durable session store.
func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessions = store
	return b
}

// WithMailer sets the outbound mail sender. When unset, mail goes to
// the process log.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mail = m
	return b
}

// WithAuditSink sets the audit destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsRegisterer sets the Prometheus registerer. Metrics stay
// disabled when unset.
func (b *Builder) WithMetricsRegisterer(reg prometheus.Registerer) *Builder {
	b.registerer = reg
	return b
}

// WithCatalog replaces the default permission catalog. The catalog is
// frozen by Build if the caller has not frozen it already.
func (b *Builder) WithCatalog(c *permission.Catalog) *Builder {
	b.catalog = c
	return b
}

// Build wires the engine. A Builder is single-use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := b.config

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.credentials == nil || b.roles == nil || b.twoFactor == nil {
		return nil, errors.New("credential, role and two-factor stores are required")
	}
	if b.sessions == nil {
		return nil, errors.New("session store is required")
	}

	cache := b.cache
	if cache == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or cache required")
		}
		cache = rediscache.New(b.redis, cfg.Session.CachePrefix)
	}

	catalog := b.catalog
	if catalog == nil {
		catalog = permission.DefaultCatalog()
	}
	catalog.Freeze()
	if !catalog.KnownRole(cfg.DefaultRole) {
		return nil, errors.New("default role is not in the catalog")
	}

	tokens, err := token.NewManager(token.Config{
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		ActionTTL:     cfg.Token.ActionTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	}, cfg.Password.MaxConcurrentHashes)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics, b.registerer)
	if err != nil {
		return nil, err
	}

	mail := b.mail
	if mail == nil {
		mail = mailer.LogSender{}
	}
	if cfg.Mail.RatePerSecond > 0 {
		mail = mailer.NewThrottled(mail, cfg.Mail.RatePerSecond, cfg.Mail.Burst)
	}

	engine := &Engine{
		config:      cfg,
		catalog:     catalog,
		resolver:    permission.NewResolver(catalog, b.roles),
		sessions:    session.NewManager(b.sessions, cache, cfg.Session.Lifetime),
		blacklist:   token.NewBlacklist(cache),
		tokens:      tokens,
		hasher:      hasher,
		totp:        newTOTPManager(cfg.TwoFactor.TOTP),
		lockout:     LockoutPolicy{Threshold: cfg.Lockout.Threshold},
		audit:       newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:     metrics,
		mail:        mail,
		cache:       cache,
		credentials: b.credentials,
		roles:       b.roles,
		twoFactor:   b.twoFactor,
	}

	b.built = true
	return engine, nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
